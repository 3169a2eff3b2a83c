// Package daemon runs sync cycles in response to change notifications.
//
// The daemon:
//  1. Runs an initial cycle for every project
//  2. Accepts webhooks and serves the report feed over HTTP
//  3. Consumes websocket event streams
//  4. Watches the beads tasks/ and deps/ directories
//  5. Periodically resyncs every project as a safety net
//
// Every notification ends up in the Controller, which debounces per project
// and guarantees at most one cycle per project at a time.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/steveyegge/tracksync/internal/ingest"
	"github.com/steveyegge/tracksync/internal/orchestrator"
	"github.com/steveyegge/tracksync/internal/telemetry"
	"github.com/steveyegge/tracksync/internal/types"
)

// DefaultResyncInterval is how often every project is resynced regardless of
// notifications.
const DefaultResyncInterval = 15 * time.Minute

// Cycler runs sync cycles. *orchestrator.Orchestrator implements it.
type Cycler interface {
	Projects() []string
	RunCycle(ctx context.Context, key string) (*orchestrator.Report, error)
	ProjectFor(sys types.System, projectID string) (string, bool)
}

// StreamSource names one websocket event feed.
type StreamSource struct {
	System types.System
	URL    string
}

// Config holds configuration for the daemon.
type Config struct {
	Cycler     Cycler
	Controller ControllerConfig

	// ResyncInterval is the period of the full resync. Negative disables it.
	ResyncInterval time.Duration

	// Listen is the webhook server address. Empty disables the server.
	Listen          string
	ReplayThreshold int
	ServerLogger    *log.Logger
	// Feed is served at GET /feed when non-nil.
	Feed *ingest.Feed

	// Streams are consumed with the settings of StreamDefaults.
	Streams        []StreamSource
	StreamDefaults ingest.StreamConfig

	// BeadsTasksDir and BeadsDepsDir are watched when both are set.
	BeadsTasksDir string
	BeadsDepsDir  string

	Logger        *log.Logger
	IngestMetrics *telemetry.IngestMetrics
}

// Daemon wires notification sources to the Controller.
type Daemon struct {
	cfg         Config
	ctrl        *Controller
	transformer *ingest.Transformer
	logger      *log.Logger

	mu     gosync.Mutex
	server *ingest.Server
	ready  chan struct{}
}

// New validates cfg and creates a Daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Cycler == nil {
		return nil, errors.New("daemon needs a cycler")
	}
	if (cfg.BeadsTasksDir == "") != (cfg.BeadsDepsDir == "") {
		return nil, errors.New("beads tasks and deps directories must be set together")
	}
	if cfg.ResyncInterval == 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if cfg.Controller.IngestMetrics == nil {
		cfg.Controller.IngestMetrics = cfg.IngestMetrics
	}

	transformer, err := ingest.NewTransformer(cfg.Cycler, cfg.ReplayThreshold)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:         cfg,
		transformer: transformer,
		logger:      cfg.Logger,
		ready:       make(chan struct{}),
	}
	d.ctrl = NewController(d.run, cfg.Controller)
	return d, nil
}

// Controller returns the daemon's controller.
func (d *Daemon) Controller() *Controller {
	return d.ctrl
}

// Ready is closed once every source has started.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the webhook server's bound address, or "" when it is disabled
// or not yet started.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

// Trigger routes events to a project. An empty key means the project is not
// known and every project is triggered.
func (d *Daemon) Trigger(key string, events ...types.ChangeEvent) {
	if key != "" {
		d.ctrl.Trigger(key, events...)
		return
	}
	for _, k := range d.cfg.Cycler.Projects() {
		d.ctrl.Trigger(k, events...)
	}
}

// Run starts every source, performs the initial sync and blocks until ctx is
// cancelled. A failing initial sync is logged, not fatal.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Println("Starting daemon")
	defer d.ctrl.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg gosync.WaitGroup

	if d.cfg.Listen != "" {
		srv, err := ingest.NewServer(ingest.ServerConfig{
			Addr:        d.cfg.Listen,
			Transformer: d.transformer,
			Sink:        d,
			Feed:        d.cfg.Feed,
			Logger:      d.cfg.ServerLogger,
			Metrics:     d.cfg.IngestMetrics,
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		d.mu.Lock()
		d.server = srv
		d.mu.Unlock()
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := srv.Stop(stopCtx); err != nil {
				d.logger.Printf("ERROR: %v", err)
			}
		}()
	}

	for _, src := range d.cfg.Streams {
		scfg := d.cfg.StreamDefaults
		scfg.URL = src.URL
		scfg.System = src.System
		scfg.Transformer = d.transformer
		scfg.Sink = d
		scfg.Metrics = d.cfg.IngestMetrics
		stream, err := ingest.NewStream(scfg)
		if err != nil {
			return fmt.Errorf("invalid %s stream: %w", src.System, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := stream.Run(ctx); err != nil {
				d.logger.Printf("ERROR: %s stream stopped: %v", src.System, err)
			}
		}()
	}

	if d.cfg.BeadsTasksDir != "" {
		fw, err := NewFileWatcher(d.cfg.Cycler)
		if err != nil {
			return err
		}
		if err := fw.Start(d.cfg.BeadsTasksDir, d.cfg.BeadsDepsDir); err != nil {
			return err
		}
		d.logger.Printf("Watching: %s, %s", d.cfg.BeadsTasksDir, d.cfg.BeadsDepsDir)
		defer func() {
			if err := fw.Stop(); err != nil {
				d.logger.Printf("ERROR: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.watchFileEvents(ctx, fw)
		}()
	}

	if d.cfg.ResyncInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.resyncLoop(ctx)
		}()
	}

	close(d.ready)

	if err := d.ctrl.RunNow(ctx, GlobalKey); err != nil && ctx.Err() == nil {
		d.logger.Printf("ERROR: initial sync: %v", err)
	}

	<-ctx.Done()
	d.logger.Println("Stopping daemon")
	cancel()
	wg.Wait()
	return nil
}

// run is the Controller's RunFunc.
func (d *Daemon) run(ctx context.Context, key string, events []types.ChangeEvent) error {
	if key == GlobalKey {
		return d.syncAll(ctx)
	}

	if len(events) > 0 {
		d.logger.Printf("Syncing %s for %d change(s)", key, len(events))
	}
	report, err := d.cfg.Cycler.RunCycle(ctx, key)
	if err != nil {
		return err
	}
	if failed := report.FailedPasses(); failed > 0 {
		d.logger.Printf("WARNING: cycle %s for %s had %d failed pass(es)", report.RunID, key, failed)
	}
	return nil
}

// syncAll cycles every project under its own key, so a full sync never
// overlaps a project's triggered run.
func (d *Daemon) syncAll(ctx context.Context) error {
	var errs []error
	for _, key := range d.cfg.Cycler.Projects() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.ctrl.RunNow(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Daemon) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ctrl.Trigger(GlobalKey)
		}
	}
}

// watchFileEvents forwards watcher events until ctx is done or the watcher
// stops.
func (d *Daemon) watchFileEvents(ctx context.Context, fw *FileWatcher) {
	events, errs := fw.Events(), fw.Errors()
	for events != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.Trigger(ev.ProjectKey, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.logger.Printf("Watcher error: %v", err)
		}
	}
}
