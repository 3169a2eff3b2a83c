package ingest

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/tracksync/internal/types"
)

// projects resolves "<system>/<project id>" to a key.
type projects map[string]string

func (p projects) ProjectFor(sys types.System, projectID string) (string, bool) {
	key, ok := p[string(sys)+"/"+projectID]
	return key, ok
}

var testProjects = projects{
	"tracker/eng":     "web",
	"tracker/ops":     "ops",
	"board/board-web": "web",
}

func newTestTransformer(t *testing.T) *Transformer {
	t.Helper()
	tr, err := NewTransformer(testProjects, 0)
	require.NoError(t, err)
	tr.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	return tr
}

func TestTransform_WebhookUpdate(t *testing.T) {
	tr := newTestTransformer(t)
	body := `{
		"action": "update",
		"type": "Issue",
		"data": {"id": "ENG-1", "projectId": "eng", "title": "New", "updatedAt": "2026-03-01T10:00:00Z"},
		"updatedFrom": {"title": "Old", "priority": 2}
	}`

	res, err := tr.Transform(types.SystemTracker, []byte(body))
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)

	b := res.Batches[0]
	assert.Equal(t, "web", b.ProjectKey)
	require.Len(t, b.Events, 1)
	ev := b.Events[0]
	assert.Equal(t, "issue", ev.EntityClass)
	assert.Equal(t, "ENG-1", ev.CanonicalIdentifier)
	assert.Equal(t, []string{"priority", "title"}, ev.ChangedFields)
	assert.Equal(t, types.SystemTracker, ev.SourceSystem)
	assert.True(t, ev.Timestamp.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)), "timestamp = %v", ev.Timestamp)
	assert.Equal(t, 1, res.Processed())
	assert.Zero(t, res.Skipped())
}

func TestTransform_WebhookCreateUsesAllDataKeys(t *testing.T) {
	tr := newTestTransformer(t)
	body := `{"action": "create", "type": "Issue", "data": {"id": "ENG-2", "projectId": "eng", "title": "T", "status": "Todo"}}`

	res, err := tr.Transform(types.SystemTracker, []byte(body))
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	ev := res.Batches[0].Events[0]
	assert.Equal(t, []string{"id", "projectId", "status", "title"}, ev.ChangedFields)
	assert.True(t, ev.Timestamp.Equal(tr.now()), "no timestamp in payload falls back to the clock")
}

func TestTransform_FeedGroupsByProject(t *testing.T) {
	tr := newTestTransformer(t)
	body := `{"source": "tracker", "events": [
		{"entity": "issue", "id": "ENG-1", "project": "eng", "fields": ["status"], "timestamp": "2026-03-01T10:00:00Z"},
		{"entity": "issue", "id": "OPS-1", "project": "ops"},
		{"entity": "issue", "id": "ENG-2", "project": "eng"},
		{"entity": "issue", "id": "X-1", "project": "unknown"}
	]}`

	res, err := tr.Transform(types.SystemTracker, []byte(body))
	require.NoError(t, err)
	require.Len(t, res.Batches, 2)
	assert.Equal(t, "web", res.Batches[0].ProjectKey)
	assert.Len(t, res.Batches[0].Events, 2)
	assert.Equal(t, "ops", res.Batches[1].ProjectKey)
	assert.Equal(t, 1, res.Unrouted)
	assert.Equal(t, 3, res.Processed())
	assert.Equal(t, []string{"status"}, res.Batches[0].Events[0].ChangedFields)
}

func TestTransform_ReplayBatchDropped(t *testing.T) {
	tr := newTestTransformer(t)

	var events []string
	for i := 0; i < DefaultReplayThreshold+1; i++ {
		events = append(events, fmt.Sprintf(`{"id": "card-%d", "project": "board-web"}`, i))
	}
	body := `{"events": [` + strings.Join(events, ",") + `]}`

	res, err := tr.Transform(types.SystemBoard, []byte(body))
	require.NoError(t, err)
	assert.Empty(t, res.Batches)
	assert.Equal(t, DefaultReplayThreshold+1, res.Replayed)
}

func TestTransform_ThresholdIsInclusive(t *testing.T) {
	tr, err := NewTransformer(testProjects, 2)
	require.NoError(t, err)

	body := `{"events": [{"id": "card-1", "project": "board-web"}, {"id": "card-2", "project": "board-web"}]}`
	res, err := tr.Transform(types.SystemBoard, []byte(body))
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Len(t, res.Batches[0].Events, 2)
}

func TestTransform_Rejects(t *testing.T) {
	tr := newTestTransformer(t)

	tests := []struct {
		name    string
		body    string
		unknown bool
	}{
		{"not json", `{"action":`, false},
		{"array", `[1, 2]`, true},
		{"neither shape", `{"hello": "world"}`, true},
		{"bad action", `{"action": "explode", "type": "Issue", "data": {"id": "ENG-1"}}`, false},
		{"missing id", `{"action": "update", "type": "Issue", "data": {"projectId": "eng"}}`, false},
		{"events not array", `{"events": {"id": "x"}}`, false},
		{"feed event without id", `{"events": [{"project": "eng"}]}`, false},
		{"bad timestamp", `{"events": [{"id": "ENG-1", "timestamp": "yesterday"}]}`, false},
		{"wrong source", `{"source": "board", "events": []}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Transform(types.SystemTracker, []byte(tt.body))
			require.Error(t, err)

			var perr *PayloadError
			assert.True(t, errors.As(err, &perr), "want *PayloadError, got %T", err)
			assert.Equal(t, tt.unknown, errors.Is(err, ErrUnknownShape))
		})
	}
}

func TestNewTransformer_RequiresResolver(t *testing.T) {
	_, err := NewTransformer(nil, 0)
	assert.Error(t, err)
}
