// Package telemetry provides OpenTelemetry instrumentation for tracksync.
//
// Every metrics type is nil-safe: a nil *SyncMetrics or *IngestMetrics
// records nothing, so components take them as optional dependencies.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the meter for sync passes and cycles.
	SyncMetricsMeterName = "github.com/steveyegge/tracksync/sync"

	// IngestMetricsMeterName is the meter for change ingestion.
	IngestMetricsMeterName = "github.com/steveyegge/tracksync/ingest"
)

// Outcome labels for per-item pass metrics.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeNoop    = "noop"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// SyncMetrics holds instruments for the sync engine.
type SyncMetrics struct {
	passItems     metric.Int64Counter
	conflicts     metric.Int64Counter
	cycleDuration metric.Float64Histogram
	slowRuns      metric.Int64Counter
}

// NewSyncMetrics creates sync instruments. If provider is nil, it returns
// nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	passItems, err := meter.Int64Counter(
		"tsync_pass_items_total",
		metric.WithDescription("Items processed by sync passes, by direction and outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	conflicts, err := meter.Int64Counter(
		"tsync_conflicts_total",
		metric.WithDescription("Items edited on both sides since the last sync"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"tsync_cycle_duration_seconds",
		metric.WithDescription("Duration of full sync cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	slowRuns, err := meter.Int64Counter(
		"tsync_slow_runs_total",
		metric.WithDescription("Runs that exceeded the slow-run threshold"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		passItems:     passItems,
		conflicts:     conflicts,
		cycleDuration: cycleDuration,
		slowRuns:      slowRuns,
	}, nil
}

// RecordPassItem counts one item handled by a pass.
func (m *SyncMetrics) RecordPassItem(ctx context.Context, direction, outcome string) {
	if m == nil || m.passItems == nil {
		return
	}
	m.passItems.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	))
}

// RecordConflict counts one conflict.
func (m *SyncMetrics) RecordConflict(ctx context.Context, direction string) {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordCycleDuration records how long a project's cycle took.
func (m *SyncMetrics) RecordCycleDuration(ctx context.Context, project string, d time.Duration, success bool) {
	if m == nil || m.cycleDuration == nil {
		return
	}
	m.cycleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("project", project),
		attribute.Bool("success", success),
	))
}

// RecordSlowRun counts a run over the slow-run threshold.
func (m *SyncMetrics) RecordSlowRun(ctx context.Context, key string) {
	if m == nil || m.slowRuns == nil {
		return
	}
	m.slowRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

// Drop reasons for ingestion metrics.
const (
	DropReplay    = "replay"
	DropMalformed = "malformed"
	DropUnrouted  = "unrouted"
	DropGrace     = "grace"
	DropBusy      = "busy"
)

// IngestMetrics holds instruments for change ingestion.
type IngestMetrics struct {
	accepted metric.Int64Counter
	dropped  metric.Int64Counter
}

// NewIngestMetrics creates ingestion instruments. If provider is nil, it
// returns nil (no-op metrics).
func NewIngestMetrics(provider metric.MeterProvider) (*IngestMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(IngestMetricsMeterName)

	accepted, err := meter.Int64Counter(
		"tsync_ingest_events_total",
		metric.WithDescription("Change events accepted, by source system"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter(
		"tsync_ingest_dropped_total",
		metric.WithDescription("Change events or runs dropped, by reason"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &IngestMetrics{accepted: accepted, dropped: dropped}, nil
}

// RecordAccepted counts accepted events.
func (m *IngestMetrics) RecordAccepted(ctx context.Context, source string, n int) {
	if m == nil || m.accepted == nil || n <= 0 {
		return
	}
	m.accepted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

// RecordDropped counts dropped events.
func (m *IngestMetrics) RecordDropped(ctx context.Context, reason string, n int) {
	if m == nil || m.dropped == nil || n <= 0 {
		return
	}
	m.dropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}
