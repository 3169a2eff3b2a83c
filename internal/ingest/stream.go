package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/steveyegge/tracksync/internal/telemetry"
	"github.com/steveyegge/tracksync/internal/types"
)

// Stream defaults.
const (
	DefaultGrace          = 3 * time.Second
	DefaultMaxReconnects  = 8
	DefaultReconnectBase  = time.Second
	DefaultReconnectMax   = 30 * time.Second
	defaultStreamReadSize = 4 << 20
)

// StreamConfig configures a Stream.
type StreamConfig struct {
	// URL is the websocket feed to dial, e.g. wss://board.example.com/events.
	URL string
	// System is the backend the feed belongs to.
	System      types.System
	Transformer *Transformer
	Sink        Sink

	// Grace discards events received this soon after each (re)connection,
	// when the server replays what the client may have missed.
	Grace time.Duration
	// MaxReconnects is the number of consecutive failed dials before Run
	// gives up.
	MaxReconnects int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	Logger  *log.Logger
	Metrics *telemetry.IngestMetrics
}

// Stream consumes a websocket event feed and forwards it to a Sink.
type Stream struct {
	cfg    StreamConfig
	logger *log.Logger
	now    func() time.Time
}

// NewStream validates cfg and applies defaults.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.URL == "" {
		return nil, errors.New("stream URL is required")
	}
	if !cfg.System.IsValid() {
		return nil, fmt.Errorf("stream needs a valid system, got %q", cfg.System)
	}
	if cfg.Transformer == nil || cfg.Sink == nil {
		return nil, errors.New("stream needs a transformer and a sink")
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	} else if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = max(DefaultReconnectMax, cfg.ReconnectBase)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[stream] ", log.LstdFlags)
	}
	return &Stream{cfg: cfg, logger: cfg.Logger, now: time.Now}, nil
}

// Run dials the feed and consumes it until ctx is cancelled. Every redial
// waits a capped exponential backoff. Refused dials and connections that drop
// before becoming stable count as failures; a stable connection resets both
// the count and the backoff. Run returns nil on cancellation and an error
// after MaxReconnects consecutive failures.
func (s *Stream) Run(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.ReconnectBase
	exp.MaxInterval = s.cfg.ReconnectMax
	exp.Multiplier = 2
	exp.Reset()

	failures := 0
	for {
		stable, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if stable {
			exp.Reset()
			failures = 0
		} else {
			failures++
		}
		if failures >= s.cfg.MaxReconnects {
			s.logger.Printf("ERROR: giving up on %s after %d attempts: %v", s.cfg.URL, failures, err)
			return fmt.Errorf("failed to connect to %s after %d attempts: %w", s.cfg.URL, failures, err)
		}

		wait := exp.NextBackOff()
		s.logger.Printf("Reconnecting to %s in %s (failures %d/%d): %v", s.cfg.URL, wait, failures, s.cfg.MaxReconnects, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session dials once and consumes the connection until it fails. stable
// reports whether the connection forwarded an event or stayed up for
// stableAfter.
func (s *Stream) session(ctx context.Context) (stable bool, err error) {
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	conn.SetReadLimit(defaultStreamReadSize)

	connectedAt := s.now()
	forwarded, err := s.consume(ctx, conn, connectedAt)
	if ctx.Err() != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return false, ctx.Err()
	}
	_ = conn.CloseNow()
	s.logger.Printf("Disconnected from %s: %v", s.cfg.URL, err)
	return forwarded || s.now().Sub(connectedAt) >= s.stableAfter(), err
}

// stableAfter is how long a silent connection must last before a drop no
// longer counts as a failure.
func (s *Stream) stableAfter() time.Duration {
	return max(s.cfg.Grace, s.cfg.ReconnectBase)
}

// consume reads until the connection fails and reports whether any event
// was forwarded. Events inside the grace window are counted and discarded.
func (s *Stream) consume(ctx context.Context, conn *websocket.Conn, connectedAt time.Time) (forwarded bool, err error) {
	s.logger.Printf("Connected to %s", s.cfg.URL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return forwarded, err
		}

		res, err := s.cfg.Transformer.Transform(s.cfg.System, data)
		if err != nil {
			s.cfg.Metrics.RecordDropped(ctx, telemetry.DropMalformed, 1)
			s.logger.Printf("Discarding malformed message: %v", err)
			continue
		}

		if s.now().Sub(connectedAt) < s.cfg.Grace {
			n := res.Processed() + res.Skipped()
			s.cfg.Metrics.RecordDropped(ctx, telemetry.DropGrace, n)
			continue
		}
		forward(ctx, s.cfg.Sink, s.cfg.Metrics, s.cfg.System, res)
		forwarded = true
	}
}
