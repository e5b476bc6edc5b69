package errs

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// breakerState mirrors the classic three-state circuit breaker.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker trips per failure domain (one instance per agent_id, per
// SPEC_FULL.md §4.7a) after a run of consecutive failures, and refuses
// further calls until CoolDown has elapsed, at which point a single trial
// call is allowed through (half-open) to decide whether to close again.
type CircuitBreaker struct {
	Threshold int
	CoolDown  time.Duration

	mu        sync.Mutex
	state     breakerState
	failures  int
	openSince time.Time
}

// NewCircuitBreaker constructs a breaker that opens after threshold
// consecutive failures and stays open for coolDown before probing again.
func NewCircuitBreaker(threshold int, coolDown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{Threshold: threshold, CoolDown: coolDown, state: breakerClosed}
}

// Allow reports whether a call may proceed, transitioning open→half-open
// once CoolDown has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.openSince) >= b.CoolDown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the breaker to closed.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

// RecordFailure increments the failure count, tripping the breaker open
// once Threshold consecutive failures have been observed. A failure
// observed while half-open immediately re-opens the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openSince = time.Now()
		return
	}

	b.failures++
	if b.failures >= b.Threshold {
		b.state = breakerOpen
		b.openSince = time.Now()
	}
}

// IsOpen reports the breaker's current tripped state without mutating it.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen
}

// RetryResult runs op with exponential backoff via cenkalti/backoff,
// honoring ctx cancellation and cfg.MaxAttempts. Used where a call needs
// its successful value back (e.g. a workspace snapshot id), unlike Do
// which only needs the error.
func RetryResult[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay

	return backoff.Retry(ctx, func() (T, error) {
		return op()
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(cfg.MaxAttempts))
}
