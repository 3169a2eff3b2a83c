package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/tracksync/internal/config"
	"github.com/steveyegge/tracksync/internal/orchestrator"
	"github.com/steveyegge/tracksync/internal/store"
	"github.com/steveyegge/tracksync/internal/sync"
	"github.com/steveyegge/tracksync/internal/types"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), got)

	got, err = parseSince("2026-01-15T08:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC), got)

	got, err = parseSince("2026-01-15", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("2 days ago", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -2).YearDay(), got.YearDay())

	_, err = parseSince("banana", now)
	assert.Error(t, err)
}

func TestPrintReport(t *testing.T) {
	r := &orchestrator.Report{
		RunID:    "run-1",
		Project:  "web",
		Duration: 1500 * time.Millisecond,
		Passes: []orchestrator.PassReport{
			{Direction: "tracker->board", Result: &sync.Result{Synced: 3, Created: 1, Conflicts: 1}},
			{Direction: "board->tracker", Error: "board unavailable"},
			{Direction: "tracker->beads", Result: &sync.Result{Errors: []sync.ItemError{{Item: "ENG-4", Message: "boom"}}}},
		},
		Published: true,
	}

	var buf bytes.Buffer
	printReport(&buf, r)
	out := buf.String()

	assert.Contains(t, out, "web")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "synced 3, created 1")
	assert.Contains(t, out, "conflicts 1")
	assert.Contains(t, out, "board unavailable")
	assert.Contains(t, out, "ENG-4: boom")
	assert.Contains(t, out, "beads exported")
}

func TestPrintConflicts(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	printConflicts(&buf, nil, since)
	assert.Contains(t, buf.String(), "No conflicts")

	buf.Reset()
	printConflicts(&buf, []*store.Conflict{{
		CanonicalID:   "ENG-1",
		Direction:     "board->tracker",
		Winner:        types.SystemTracker,
		Loser:         types.SystemBoard,
		LoserTitle:    "Fix login",
		LoserStatus:   "done",
		LoserPriority: "high",
		DetectedAt:    since.Add(time.Hour),
	}}, since)
	out := buf.String()
	assert.Contains(t, out, "1 conflict(s)")
	assert.Contains(t, out, "ENG-1")
	assert.Contains(t, out, "tracker wins over board")
	assert.Contains(t, out, `title="Fix login"`)
}

func TestInitAnswersConfig(t *testing.T) {
	a := initAnswers{
		TrackerURL: " https://tracker.example.com ",
		BoardID:    "board-web",
		BeadsRoot:  ".beads",
		ProjectKey: "web",
		TrackerID:  "eng",
		BeadsID:    "beads-web",
	}
	cfg := a.config()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://tracker.example.com", cfg.Tracker.BaseURL)
	require.Len(t, cfg.Projects, 1)
	assert.Empty(t, cfg.Projects[0].Board, "board id is dropped without a board url")
	assert.Equal(t, "beads-web", cfg.Projects[0].Beads)

	a.BoardURL = "https://board.example.com"
	assert.Equal(t, "board-web", a.config().Projects[0].Board)
}

func TestURLValidation(t *testing.T) {
	assert.Error(t, requireURL(""))
	assert.Error(t, requireURL("tracker.example.com"))
	assert.NoError(t, requireURL("https://tracker.example.com"))
	assert.NoError(t, optionalURL(""))
	assert.Error(t, requireText("key")(" "))
}

func TestBindFlags_FlagOverridesEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TSYNC_DATABASE", "from-env.db")
	t.Setenv("TSYNC_INGEST_LISTEN", ":1111")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("db", "", "")
	cmd.Flags().String("listen", "", "")
	require.NoError(t, cmd.Flags().Set("listen", ":2222"))

	v, err := config.New("")
	require.NoError(t, err)
	bindFlags(v, cmd, map[string]string{"ingest.listen": "listen"})
	cfg, err := config.Load(v)
	require.NoError(t, err)

	assert.Equal(t, "from-env.db", cfg.Database, "unset flag keeps env value")
	assert.Equal(t, ":2222", cfg.Ingest.Listen)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "tsync.db")
	cfg.Log.File = filepath.Join(dir, "tsync.log")
	cfg.Log.Stderr = false
	cfg.Tracker.BaseURL = "http://127.0.0.1:1"
	cfg.Beads.Root = filepath.Join(dir, ".beads")
	cfg.Ingest.Listen = "127.0.0.1:0"
	cfg.Ingest.StreamURL = "ws://127.0.0.1:1/events"
	cfg.Projects = []config.ProjectConfig{
		{Key: "web", Tracker: "eng", Beads: "beads-web"},
		{Key: "ops", Tracker: "ops"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestOpenApp(t *testing.T) {
	cfg := testConfig(t)
	a, err := openApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"ops", "web"}, a.orch.Projects())
	require.NotNil(t, a.beads, "beads client is built when a project uses beads")
	key, ok := a.orch.ProjectFor(types.SystemBeads, "beads-web")
	assert.True(t, ok)
	assert.Equal(t, "web", key)

	dcfg, err := daemonConfig(a, nil)
	require.NoError(t, err)
	assert.Equal(t, a.beads.TasksDir(), dcfg.BeadsTasksDir)
	assert.Equal(t, a.beads.DepsDir(), dcfg.BeadsDepsDir)
	assert.Equal(t, "127.0.0.1:0", dcfg.Listen)
	require.Len(t, dcfg.Streams, 1)
	assert.Equal(t, types.SystemBoard, dcfg.Streams[0].System)
	assert.Equal(t, cfg.Sync.Debounce, dcfg.Controller.Debounce)
	assert.Equal(t, cfg.Ingest.Grace, dcfg.StreamDefaults.Grace)
}

func TestOpenApp_WithoutBeads(t *testing.T) {
	cfg := testConfig(t)
	cfg.Projects = []config.ProjectConfig{{Key: "ops", Tracker: "ops"}}

	a, err := openApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.beads)
	dcfg, err := daemonConfig(a, nil)
	require.NoError(t, err)
	assert.Empty(t, dcfg.BeadsTasksDir)
}
