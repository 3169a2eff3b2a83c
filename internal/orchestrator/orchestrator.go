// Package orchestrator runs sync cycles: the four directional passes of a
// project in fixed order, followed by the optional publish step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/tracksync/internal/store"
	"github.com/steveyegge/tracksync/internal/sync"
	"github.com/steveyegge/tracksync/internal/telemetry"
	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/types"
)

// Prefetch defaults.
const (
	DefaultPrefetchBatch       = 50
	DefaultPrefetchConcurrency = 4
)

// Project maps one configured project key onto each system's project id.
// An empty id leaves that system out of the project's cycle.
type Project struct {
	Key     string
	Tracker string
	Board   string
	Beads   string
}

// ID returns the project id in sys.
func (p Project) ID(sys types.System) string {
	switch sys {
	case types.SystemTracker:
		return p.Tracker
	case types.SystemBoard:
		return p.Board
	case types.SystemBeads:
		return p.Beads
	}
	return ""
}

// Publisher is the optional step that runs after a cycle's passes, such as
// exporting the beads store for version control.
type Publisher interface {
	Publish(ctx context.Context) error
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Store  *store.Store
	Syncer sync.Syncer
	// Clients holds one client per system, normally wrapped by retry.Wrap.
	Clients  map[types.System]tracker.Client
	Projects []Project

	// Publisher may be nil.
	Publisher Publisher
	// OnReport is called with every finished cycle report. May be nil.
	OnReport func(*Report)

	PrefetchBatch       int
	PrefetchConcurrency int

	Logger  *log.Logger
	Metrics *telemetry.SyncMetrics
}

// Orchestrator sequences passes. It is safe for concurrent use across
// different projects; callers serialize cycles of the same project.
type Orchestrator struct {
	cfg      Config
	projects map[string]Project
	logger   *log.Logger
}

// New validates cfg and creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator needs a store")
	}
	if cfg.Syncer == nil {
		return nil, errors.New("orchestrator needs a syncer")
	}
	if cfg.Clients[types.SystemTracker] == nil {
		return nil, errors.New("orchestrator needs a tracker client")
	}
	if cfg.PrefetchBatch <= 0 {
		cfg.PrefetchBatch = DefaultPrefetchBatch
	}
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = DefaultPrefetchConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}

	projects := make(map[string]Project, len(cfg.Projects))
	for _, p := range cfg.Projects {
		if p.Key == "" {
			return nil, errors.New("project key is required")
		}
		if p.Tracker == "" {
			return nil, fmt.Errorf("project %s has no tracker project", p.Key)
		}
		if _, dup := projects[p.Key]; dup {
			return nil, fmt.Errorf("duplicate project %s", p.Key)
		}
		projects[p.Key] = p
	}

	return &Orchestrator{cfg: cfg, projects: projects, logger: cfg.Logger}, nil
}

// Projects returns the configured project keys, sorted.
func (o *Orchestrator) Projects() []string {
	keys := make([]string, 0, len(o.projects))
	for k := range o.projects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Project returns the project with the given key.
func (o *Orchestrator) Project(key string) (Project, bool) {
	p, ok := o.projects[key]
	return p, ok
}

// ProjectFor maps a system's project id to the configured project key.
func (o *Orchestrator) ProjectFor(sys types.System, projectID string) (string, bool) {
	for _, key := range o.Projects() {
		if o.projects[key].ID(sys) == projectID {
			return key, true
		}
	}
	return "", false
}

// RunCycle runs one full cycle for the project. Every pass runs even if an
// earlier one fails; pass failures are reported, not returned. The error is
// non-nil only for an unknown project or a cancelled context.
func (o *Orchestrator) RunCycle(ctx context.Context, key string) (*Report, error) {
	project, ok := o.projects[key]
	if !ok {
		return nil, fmt.Errorf("unknown project %q", key)
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Project:   key,
		StartedAt: time.Now().UTC(),
		Totals:    sync.Result{Direction: "total"},
	}
	o.logger.Printf("Starting cycle %s for %s", report.RunID, key)

	for _, dir := range sync.Cycle {
		if err := ctx.Err(); err != nil {
			return o.finish(ctx, report), err
		}
		if !o.involves(project, dir) {
			continue
		}

		res, err := o.safeRunPass(ctx, project, dir)
		pr := PassReport{Direction: dir.String(), Result: res}
		if err != nil {
			pr.Error = err.Error()
			o.logger.Printf("ERROR: pass %s for %s failed: %v", dir, key, err)
		}
		if res != nil {
			report.Totals.Add(res)
		}
		report.Passes = append(report.Passes, pr)
	}

	if o.cfg.Publisher != nil && project.Beads != "" {
		if err := o.cfg.Publisher.Publish(ctx); err != nil {
			report.PublishError = err.Error()
			o.logger.Printf("ERROR: publish for %s failed: %v", key, err)
		} else {
			report.Published = true
		}
	}

	return o.finish(ctx, report), nil
}

func (o *Orchestrator) finish(ctx context.Context, report *Report) *Report {
	report.Duration = time.Since(report.StartedAt)
	o.cfg.Metrics.RecordCycleDuration(ctx, report.Project, report.Duration, report.Success())
	o.logger.Printf("Cycle %s for %s finished in %s: synced=%d created=%d updated=%d conflicts=%d errors=%d failed_passes=%d",
		report.RunID, report.Project, report.Duration.Round(time.Millisecond),
		report.Totals.Synced, report.Totals.Created, report.Totals.Updated,
		report.Totals.Conflicts, len(report.Totals.Errors), report.FailedPasses())
	if o.cfg.OnReport != nil {
		o.cfg.OnReport(report)
	}
	return report
}

// RunAll runs a cycle for every project in key order.
func (o *Orchestrator) RunAll(ctx context.Context) ([]*Report, error) {
	var reports []*Report
	var errs []error
	for _, key := range o.Projects() {
		r, err := o.RunCycle(ctx, key)
		if r != nil {
			reports = append(reports, r)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return reports, errors.Join(errs...)
}

// involves reports whether both sides of dir are configured for project.
func (o *Orchestrator) involves(project Project, dir sync.Direction) bool {
	for _, sys := range []types.System{dir.Source, dir.Target} {
		if project.ID(sys) == "" || o.cfg.Clients[sys] == nil {
			return false
		}
	}
	return true
}

// safeRunPass turns a panic inside a pass into an error.
func (o *Orchestrator) safeRunPass(ctx context.Context, project Project, dir sync.Direction) (res *sync.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return o.runPass(ctx, project, dir)
}

func (o *Orchestrator) runPass(ctx context.Context, project Project, dir sync.Direction) (*sync.Result, error) {
	source := o.cfg.Clients[dir.Source]
	target := o.cfg.Clients[dir.Target]

	idx, err := o.cfg.Store.LoadIndex(ctx, project.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load correlation index: %w", err)
	}

	sourceItems, err := source.ListItems(ctx, project.ID(dir.Source))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s items: %w", dir.Source, err)
	}
	targetItems, err := target.ListItems(ctx, project.ID(dir.Target))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s items: %w", dir.Target, err)
	}

	fetched, gone := o.prefetch(ctx, target, idx, targetItems)

	return o.cfg.Syncer.Run(ctx, &sync.Pass{
		Direction:       dir,
		ProjectKey:      project.Key,
		TargetProjectID: project.ID(dir.Target),
		Target:          target,
		Index:           idx,
		SourceItems:     sourceItems,
		TargetItems:     append(targetItems, fetched...),
		Gone:            gone,
	})
}
