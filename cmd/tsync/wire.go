package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/steveyegge/tracksync/internal/config"
	"github.com/steveyegge/tracksync/internal/logging"
	"github.com/steveyegge/tracksync/internal/orchestrator"
	"github.com/steveyegge/tracksync/internal/retry"
	"github.com/steveyegge/tracksync/internal/store"
	"github.com/steveyegge/tracksync/internal/sync"
	"github.com/steveyegge/tracksync/internal/telemetry"
	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/tracker/beadsfs"
	"github.com/steveyegge/tracksync/internal/tracker/rest"
	"github.com/steveyegge/tracksync/internal/types"
	"github.com/steveyegge/tracksync/internal/vcs/git"
	"github.com/steveyegge/tracksync/internal/vocab"
)

// app holds everything a sync cycle needs.
type app struct {
	cfg   *config.Config
	sink  *logging.Sink
	store *store.Store
	// beads is nil when no project uses the beads store.
	beads   *beadsfs.Client
	orch    *orchestrator.Orchestrator
	metrics *telemetry.SyncMetrics
}

// openApp opens the store, builds one retrying client per system in use and
// the orchestrator. onReport may be nil.
func openApp(ctx context.Context, cfg *config.Config, onReport func(*orchestrator.Report)) (a *app, err error) {
	sink, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	a = &app{cfg: cfg, sink: sink}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := a.store.Migrate(ctx); err != nil {
		return nil, err
	}

	table, err := vocab.Load(cfg.Vocabulary)
	if err != nil {
		return nil, err
	}

	clients, err := a.clients()
	if err != nil {
		return nil, err
	}

	a.metrics, err = telemetry.NewSyncMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	ocfg := orchestrator.Config{
		Store: a.store,
		Syncer: sync.New(sync.Config{
			Store:   a.store,
			Vocab:   table,
			Logger:  logging.New(sink, "sync"),
			Metrics: a.metrics,
		}),
		Clients:             clients,
		Projects:            projects(cfg),
		OnReport:            onReport,
		PrefetchBatch:       cfg.Sync.PrefetchBatch,
		PrefetchConcurrency: cfg.Sync.PrefetchConcurrency,
		Logger:              logging.New(sink, "orchestrator"),
		Metrics:             a.metrics,
	}
	if a.beads != nil {
		exporter := beadsfs.NewExporter(a.beads, "")
		if cfg.Beads.Commit {
			repo, err := git.Open(a.beads.Root())
			if err != nil {
				return nil, fmt.Errorf("beads.commit needs %s inside a git repository: %w", a.beads.Root(), err)
			}
			repo.Author = "tsync <tsync@localhost>"
			exporter.SetCommitter(repo)
		}
		ocfg.Publisher = exporter
	}
	a.orch, err = orchestrator.New(ocfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) clients() (map[types.System]tracker.Client, error) {
	policy := retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		MaxDelay:    a.cfg.Retry.MaxDelay,
		Logger:      logging.New(a.sink, "retry"),
	}
	clients := make(map[types.System]tracker.Client)

	tr, err := rest.New(rest.Options{
		System:  types.SystemTracker,
		BaseURL: a.cfg.Tracker.BaseURL,
		Token:   a.cfg.Tracker.Token,
	})
	if err != nil {
		return nil, err
	}
	clients[types.SystemTracker] = retry.Wrap(tr, policy)

	if a.cfg.UsesBoard() {
		board, err := rest.New(rest.Options{
			System:  types.SystemBoard,
			BaseURL: a.cfg.Board.BaseURL,
			Token:   a.cfg.Board.Token,
		})
		if err != nil {
			return nil, err
		}
		clients[types.SystemBoard] = retry.Wrap(board, policy)
	}

	if a.cfg.UsesBeads() {
		a.beads, err = beadsfs.New(beadsfs.Options{
			Root:   a.cfg.Beads.Root,
			Prefix: a.cfg.Beads.Prefix,
			Logger: logging.New(a.sink, "beads"),
		})
		if err != nil {
			return nil, err
		}
		clients[types.SystemBeads] = retry.Wrap(a.beads, policy)
	}
	return clients, nil
}

// Close releases the store and the log file.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	return errors.Join(errs...)
}

func projects(cfg *config.Config) []orchestrator.Project {
	out := make([]orchestrator.Project, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		out = append(out, orchestrator.Project{
			Key:     p.Key,
			Tracker: p.Tracker,
			Board:   p.Board,
			Beads:   p.Beads,
		})
	}
	return out
}
