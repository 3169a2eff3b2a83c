package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestNewSyncMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewSyncMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("nil metrics are no-ops", func(t *testing.T) {
		t.Parallel()

		var metrics *SyncMetrics
		metrics.RecordPassItem(context.Background(), "tracker->board", OutcomeCreated)
		metrics.RecordConflict(context.Background(), "board->tracker")
		metrics.RecordCycleDuration(context.Background(), "web", time.Second, true)
		metrics.RecordSlowRun(context.Background(), "web")
	})
}

func TestSyncMetrics_Record(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewSyncMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordPassItem(ctx, "tracker->board", OutcomeCreated)
	metrics.RecordPassItem(ctx, "tracker->board", OutcomeCreated)
	metrics.RecordPassItem(ctx, "board->tracker", OutcomeNoop)
	metrics.RecordConflict(ctx, "board->tracker")
	metrics.RecordCycleDuration(ctx, "web", 1500*time.Millisecond, true)

	got := collect(t, reader)

	items, ok := got["tsync_pass_items_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok, "pass items should be an int64 sum")
	var total int64
	for _, dp := range items.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(3), total)
	assert.Len(t, items.DataPoints, 2)

	hist, ok := got["tsync_cycle_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok, "cycle duration should be a float64 histogram")
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	_, ok = got["tsync_conflicts_total"]
	assert.True(t, ok)
}

func TestIngestMetrics_Record(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewIngestMetrics(mp)
	require.NoError(t, err)

	metrics.RecordAccepted(context.Background(), "board", 4)
	metrics.RecordDropped(context.Background(), DropReplay, 60)
	metrics.RecordDropped(context.Background(), DropGrace, 0)

	got := collect(t, reader)
	dropped, ok := got["tsync_ingest_dropped_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, dropped.DataPoints, 1)
	assert.Equal(t, int64(60), dropped.DataPoints[0].Value)

	var nilMetrics *IngestMetrics
	nilMetrics.RecordAccepted(context.Background(), "board", 1)
}
