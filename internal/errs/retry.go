package errs

import (
	"context"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
)

// RetryConfig bounds a retry-with-backoff sequence. Zero value is not
// usable; construct with DefaultRetryConfig and override fields.
type RetryConfig struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches spec.md §7's "bounded number of retries with
// exponential backoff" guidance for container start and channel connect.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Do runs fn up to cfg.MaxAttempts times with exponential backoff between
// attempts, stopping early once ctx is done. fn receives the 1-indexed
// attempt number for logging.
func Do(ctx context.Context, cfg RetryConfig, fn func(attempt uint) error) error {
	var stopped bool
	action := func(attempt uint) error {
		if err := ctx.Err(); err != nil {
			stopped = true
			return err
		}
		return fn(attempt)
	}
	notStopped := func(attempt uint) bool {
		return !stopped
	}

	return retry.Retry(action,
		notStopped,
		strategy.Limit(cfg.MaxAttempts),
		strategy.Backoff(backoff.BinaryExponential(cfg.BaseDelay)),
	)
}
