package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/tracksync/internal/store"
	"github.com/steveyegge/tracksync/internal/sync"
	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/tracker/memtracker"
	"github.com/steveyegge/tracksync/internal/types"
)

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	st      *store.Store
	tracker *memtracker.Client
	board   *memtracker.Client
	beads   *memtracker.Client
	clients map[types.System]tracker.Client
	project Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	f := &fixture{
		st:      st,
		tracker: memtracker.New(types.SystemTracker, "ENG"),
		board:   memtracker.New(types.SystemBoard, "card"),
		beads:   memtracker.New(types.SystemBeads, "bd"),
		project: Project{Key: "web", Tracker: "eng", Board: "board-web", Beads: "beads-web"},
	}
	f.clients = map[types.System]tracker.Client{
		types.SystemTracker: f.tracker,
		types.SystemBoard:   f.board,
		types.SystemBeads:   f.beads,
	}
	return f
}

func (f *fixture) orchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Store:    f.st,
		Syncer:   sync.New(sync.Config{Store: f.st, Logger: quiet}),
		Clients:  f.clients,
		Projects: []Project{f.project},
		Logger:   quiet,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

type countingPublisher struct {
	calls int
	err   error
}

func (p *countingPublisher) Publish(ctx context.Context) error {
	p.calls++
	return p.err
}

func TestRunCycle_PropagatesToEverySystem(t *testing.T) {
	f := newFixture(t)
	f.tracker.Seed(&types.Item{ID: "ENG-1", ProjectID: "eng", Title: "Fix login bug", Status: "Todo"})
	pub := &countingPublisher{}
	var reports []*Report
	o := f.orchestrator(t, func(c *Config) {
		c.Publisher = pub
		c.OnReport = func(r *Report) { reports = append(reports, r) }
	})

	report, err := o.RunCycle(context.Background(), "web")
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.True(t, report.Success())
	require.Len(t, report.Passes, 4)
	assert.Equal(t, "tracker->board", report.Passes[0].Direction)
	assert.Equal(t, "beads->tracker", report.Passes[3].Direction)
	assert.Equal(t, 2, report.Totals.Created)
	assert.Len(t, f.board.Items(), 1)
	assert.Len(t, f.beads.Items(), 1)
	assert.True(t, report.Published)
	assert.Equal(t, 1, pub.calls)
	require.Len(t, reports, 1)
	assert.Equal(t, report.RunID, reports[0].RunID)
}

func TestRunCycle_FailedPassDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	f.tracker.Seed(&types.Item{ID: "ENG-1", ProjectID: "eng", Title: "Fix login bug", Status: "Todo"})
	f.board.FailNext(memtracker.OpListItems, errors.New("board is down"), 2, "board-web")
	o := f.orchestrator(t, nil)

	report, err := o.RunCycle(context.Background(), "web")
	require.NoError(t, err)

	assert.False(t, report.Success())
	assert.Equal(t, 2, report.FailedPasses())
	assert.Contains(t, report.Passes[0].Error, "board is down")
	assert.Empty(t, report.Passes[2].Error)
	assert.Len(t, f.beads.Items(), 1, "tracker->beads must still run")
}

// panicking lists fine but panics on ListItems for one project.
type panicking struct {
	*memtracker.Client
}

func (p *panicking) ListItems(ctx context.Context, projectID string) ([]*types.Item, error) {
	panic("list exploded")
}

func TestRunCycle_RecoversPassPanic(t *testing.T) {
	f := newFixture(t)
	f.clients[types.SystemBoard] = &panicking{Client: f.board}
	o := f.orchestrator(t, nil)

	report, err := o.RunCycle(context.Background(), "web")
	require.NoError(t, err)
	assert.Contains(t, report.Passes[0].Error, "panic: list exploded")
	assert.Contains(t, report.Passes[1].Error, "panic: list exploded")
	assert.Empty(t, report.Passes[2].Error)
}

func TestRunCycle_SkipsUnconfiguredSystems(t *testing.T) {
	f := newFixture(t)
	f.project.Beads = ""
	pub := &countingPublisher{}
	o := f.orchestrator(t, func(c *Config) { c.Publisher = pub })

	report, err := o.RunCycle(context.Background(), "web")
	require.NoError(t, err)
	require.Len(t, report.Passes, 2)
	assert.Equal(t, 0, pub.calls, "publish only runs for projects with a beads store")
}

func TestRunCycle_PublishFailureIsReported(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, func(c *Config) { c.Publisher = &countingPublisher{err: errors.New("disk full")} })

	report, err := o.RunCycle(context.Background(), "web")
	require.NoError(t, err)
	assert.False(t, report.Published)
	assert.Equal(t, "disk full", report.PublishError)
	assert.False(t, report.Success())
}

func TestRunCycle_UnknownProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator(t, nil).RunCycle(context.Background(), "nope")
	assert.Error(t, err)
}

func TestPrefetch_MarksMissingTargetsWithoutRefetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tracker.Seed(&types.Item{ID: "ENG-1", ProjectID: "eng", Title: "Fix login bug", Status: "Todo"})
	_, err := f.st.Upsert(ctx, &store.Record{CanonicalID: "ENG-1", ProjectKey: "web", BoardID: "card-gone"})
	require.NoError(t, err)
	f.project.Beads = ""
	o := f.orchestrator(t, nil)

	_, err = o.RunCycle(ctx, "web")
	require.NoError(t, err)

	assert.Equal(t, 1, f.board.Calls(memtracker.OpGetItem), "the pass must reuse the prefetch result")
	rec, err := f.st.Get(ctx, "ENG-1")
	require.NoError(t, err)
	assert.True(t, rec.Deleted(types.SystemBoard))
	assert.Empty(t, f.board.Creates())
}

func TestPrefetch_IgnoresDeletionsInOtherSystems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deleted := true
	f.tracker.Seed(&types.Item{ID: "ENG-1", ProjectID: "eng", Title: "Fix login bug", Status: "Todo"})
	f.board.Seed(&types.Item{ID: "card-9", ProjectID: "board-archive", Title: "Fix login bug", Status: "ready"})
	_, err := f.st.Upsert(ctx, &store.Record{
		CanonicalID:      "ENG-1",
		ProjectKey:       "web",
		BoardID:          "card-9",
		BeadsID:          "bd-gone",
		DeletedFromBeads: &deleted,
	})
	require.NoError(t, err)
	o := f.orchestrator(t, nil)

	_, err = o.RunCycle(ctx, "web")
	require.NoError(t, err)

	assert.Equal(t, 1, f.board.Calls(memtracker.OpGetItem), "the unlisted card is still prefetched")
	assert.Zero(t, f.beads.Calls(memtracker.OpGetItem))
	assert.Empty(t, f.board.Creates())
	assert.Empty(t, f.beads.Creates())
}

// batching counts GetItems calls.
type batching struct {
	*memtracker.Client
	mu      gosync.Mutex
	batches [][]string
}

func (b *batching) GetItems(ctx context.Context, ids []string) ([]*types.Item, error) {
	b.mu.Lock()
	b.batches = append(b.batches, append([]string(nil), ids...))
	b.mu.Unlock()
	var out []*types.Item
	for _, id := range ids {
		if it := b.Item(id); it != nil {
			out = append(out, it)
		}
	}
	return out, nil
}

func TestPrefetch_BatchesWithBatchGetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bg := &batching{Client: f.board}
	f.clients[types.SystemBoard] = bg
	o := f.orchestrator(t, func(c *Config) { c.PrefetchBatch = 2 })

	var records []*store.Record
	for _, id := range []string{"card-a", "card-b", "card-c", "card-d", "card-e"} {
		records = append(records, &store.Record{CanonicalID: "ENG-" + id, BoardID: id})
	}
	f.board.Seed(&types.Item{ID: "card-c", ProjectID: "archive", Title: "Archived"})
	idx := store.NewIndex(records)

	found, gone := o.prefetch(ctx, bg, idx, nil)

	assert.Len(t, bg.batches, 3)
	require.Len(t, found, 1)
	assert.Equal(t, "card-c", found[0].ID)
	assert.Len(t, gone, 4)
	assert.False(t, gone["card-c"])
}

func TestRunAll(t *testing.T) {
	f := newFixture(t)
	f.tracker.Seed(&types.Item{ID: "ENG-1", ProjectID: "eng", Title: "Web item", Status: "Todo"})
	f.tracker.Seed(&types.Item{ID: "OPS-1", ProjectID: "ops", Title: "Ops item", Status: "Todo"})
	o := f.orchestrator(t, func(c *Config) {
		c.Projects = append(c.Projects, Project{Key: "ops", Tracker: "ops", Board: "board-ops"})
	})

	assert.Equal(t, []string{"ops", "web"}, o.Projects())
	key, ok := o.ProjectFor(types.SystemBoard, "board-ops")
	assert.True(t, ok)
	assert.Equal(t, "ops", key)

	reports, err := o.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "ops", reports[0].Project)
	assert.Len(t, f.board.Items(), 2)

	rec, err := f.st.Get(context.Background(), "OPS-1")
	require.NoError(t, err)
	assert.Equal(t, "ops", rec.ProjectKey)
}

func TestNew_ValidatesProjects(t *testing.T) {
	f := newFixture(t)
	base := Config{Store: f.st, Syncer: sync.New(sync.Config{Store: f.st, Logger: quiet}), Clients: f.clients, Logger: quiet}

	cfg := base
	cfg.Projects = []Project{{Key: "web"}}
	_, err := New(cfg)
	assert.Error(t, err, "tracker project required")

	cfg.Projects = []Project{{Key: "web", Tracker: "a"}, {Key: "web", Tracker: "b"}}
	_, err = New(cfg)
	assert.Error(t, err, "duplicate key")

	cfg = base
	cfg.Clients = map[types.System]tracker.Client{}
	_, err = New(cfg)
	assert.Error(t, err, "tracker client required")
}
