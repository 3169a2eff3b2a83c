package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/steveyegge/tracksync/internal/telemetry"
	"github.com/steveyegge/tracksync/internal/types"
)

// GlobalKey serializes cross-project operations such as a full resync.
const GlobalKey = "*"

// Controller defaults.
const (
	DefaultDebounce = 2 * time.Second
	DefaultMaxWait  = 2 * time.Minute
	DefaultSlowRun  = 5 * time.Minute
)

// State is the lifecycle position of one key.
type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateRunning:
		return "running"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RunFunc performs the work for key. events holds the triggers coalesced into
// this run and is empty for manual runs.
type RunFunc func(ctx context.Context, key string, events []types.ChangeEvent) error

// Scheduler takes over fired debounce windows when durable scheduling is
// available. The controller still debounces; the scheduler decides when and
// where the run happens.
type Scheduler interface {
	Schedule(ctx context.Context, key string, events []types.ChangeEvent) error
}

// ControllerConfig configures a Controller. Zero durations take the defaults.
type ControllerConfig struct {
	Debounce time.Duration
	// MaxWait caps how long a debounce window may keep re-arming.
	MaxWait time.Duration
	// SlowRun is the duration after which a run is reported as slow. Slow
	// runs are never cancelled.
	SlowRun time.Duration
	// Scheduler may be nil, in which case runs happen in-process.
	Scheduler Scheduler

	Logger        *log.Logger
	Metrics       *telemetry.SyncMetrics
	IngestMetrics *telemetry.IngestMetrics
}

// entry is the per-key state. Everything except lock is guarded by
// Controller.mu.
type entry struct {
	lock         gosync.Mutex
	state        State
	timer        *time.Timer
	gen          uint64
	pending      []types.ChangeEvent
	firstTrigger time.Time
}

// Controller owns the per-key debounce and mutual exclusion state. Construct
// one per process and share it.
type Controller struct {
	cfg    ControllerConfig
	run    RunFunc
	logger *log.Logger

	mu      gosync.Mutex
	entries map[string]*entry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// ErrClosed is returned by RunNow after Close.
var ErrClosed = errors.New("controller is closed")

// NewController creates a Controller that calls run for every fired key.
func NewController(run RunFunc, cfg ControllerConfig) *Controller {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.SlowRun <= 0 {
		cfg.SlowRun = DefaultSlowRun
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[controller] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		run:     run,
		logger:  cfg.Logger,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// entryLocked returns the entry for key, creating it. Callers hold c.mu.
func (c *Controller) entryLocked(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// Trigger records a change for key and schedules a debounced run.
func (c *Controller) Trigger(key string, events ...types.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	e := c.entryLocked(key)
	e.pending = append(e.pending, events...)

	switch e.state {
	case StateIdle:
		e.state = StateDebouncing
		e.firstTrigger = time.Now()
		c.armLocked(key, e)

	case StateDebouncing:
		// Past the ceiling the armed timer is left to fire.
		if time.Since(e.firstTrigger) < c.cfg.MaxWait {
			c.armLocked(key, e)
		}

	case StateRunning:
		// Merged into pending; the in-flight run reads live state.
	}
}

// armLocked (re)starts the debounce timer. A generation counter makes any
// timer that already fired a no-op.
func (c *Controller) armLocked(key string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen

	wait := c.cfg.Debounce
	if left := c.cfg.MaxWait - time.Since(e.firstTrigger); left < wait {
		wait = max(left, 0)
	}
	e.timer = time.AfterFunc(wait, func() { c.fire(key, gen) })
}

func (c *Controller) fire(key string, gen uint64) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || c.closed || e.state != StateDebouncing || e.gen != gen {
		c.mu.Unlock()
		return
	}
	events := e.pending
	e.pending = nil
	e.timer = nil

	if c.cfg.Scheduler != nil {
		e.state = StateIdle
		c.mu.Unlock()
		if err := c.cfg.Scheduler.Schedule(c.ctx, key, events); err != nil {
			c.logger.Printf("ERROR: failed to schedule run for %s: %v", key, err)
		}
		return
	}

	if !e.lock.TryLock() {
		e.state = StateIdle
		c.mu.Unlock()
		c.logger.Printf("Run for %s already in progress, dropping %d event(s)", key, len(events))
		c.cfg.IngestMetrics.RecordDropped(c.ctx, telemetry.DropBusy, len(events))
		return
	}
	e.state = StateRunning
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	defer e.lock.Unlock()
	c.execute(c.ctx, key, e, events)
}

// RunNow runs key immediately, waiting for any in-flight run of the same key
// to finish first. It is used for manual runs and the initial sync.
func (c *Controller) RunNow(ctx context.Context, key string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	e := c.entryLocked(key)
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	e.lock.Lock()
	defer e.lock.Unlock()

	// A pending debounce window stays armed and will find the lock held.
	c.mu.Lock()
	if e.state == StateIdle {
		e.state = StateRunning
	}
	c.mu.Unlock()

	return c.execute(ctx, key, e, nil)
}

// execute runs key while holding its lock and settles the entry afterwards.
func (c *Controller) execute(ctx context.Context, key string, e *entry, events []types.ChangeEvent) error {
	start := time.Now()
	slow := time.AfterFunc(c.cfg.SlowRun, func() {
		c.logger.Printf("WARNING: run for %s still going after %v", key, c.cfg.SlowRun)
		c.cfg.Metrics.RecordSlowRun(c.ctx, key)
	})

	err := c.safeRun(ctx, key, events)
	slow.Stop()

	elapsed := time.Since(start)
	if elapsed >= c.cfg.SlowRun {
		c.logger.Printf("Slow run for %s finished after %v", key, elapsed.Round(time.Millisecond))
	}
	if err != nil {
		c.logger.Printf("ERROR: run for %s failed: %v", key, err)
	}

	c.mu.Lock()
	if e.state == StateRunning {
		if n := len(e.pending); n > 0 {
			c.logger.Printf("Coalesced %d event(s) for %s into the finished run", n, key)
		}
		e.pending = nil
		e.state = StateIdle
	}
	c.mu.Unlock()
	return err
}

func (c *Controller) safeRun(ctx context.Context, key string, events []types.ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.run(ctx, key, events)
}

// State returns the current state of key.
func (c *Controller) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.state
	}
	return StateIdle
}

// Pending returns how many events are waiting for key.
func (c *Controller) Pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return len(e.pending)
	}
	return 0
}

// Close stops every armed timer and waits for in-flight runs. Triggers after
// Close are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.state == StateDebouncing {
			e.state = StateIdle
			e.pending = nil
		}
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
