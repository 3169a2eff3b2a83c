// Package retry holds the single retry policy applied to every outbound call.
//
// Connection errors, timeouts, 5xx and 429 responses are retried with capped
// exponential backoff; any other error fails immediately. A Retry-After hint
// from the server stretches the next delay.
package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/steveyegge/tracksync/internal/tracker"
)

// Policy configures retries.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error is transient. Defaults to IsRetryable.
	Retryable func(error) bool
	// Logger receives one line per retry. Nil disables retry logging.
	Logger *log.Logger
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	return p
}

// IsRetryable reports whether err is a transient failure: a network error,
// a timeout, or an HTTP 429/5xx response. Cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var httpErr *tracker.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// hintedBackOff is an exponential backoff whose next delay can be raised by a
// server's Retry-After hint.
type hintedBackOff struct {
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.exp.NextBackOff()
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0
	if next > b.max {
		next = b.max
	}
	return next
}

func (b *hintedBackOff) Reset() {
	b.exp.Reset()
	b.hint = 0
}

// Do runs op under policy p and returns its result or the last error.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	b := &hintedBackOff{exp: exp, max: p.MaxDelay}

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		var httpErr *tracker.HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			b.hint = httpErr.RetryAfter
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			if p.Logger != nil {
				p.Logger.Printf("attempt %d/%d failed, retrying in %s: %v", attempt, p.MaxAttempts, next, err)
			}
		}),
	)
}
