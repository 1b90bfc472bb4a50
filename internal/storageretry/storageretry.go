// Package storageretry wraps transient storage I/O (the Mongo stores) with
// exponential backoff, grounded on the teacher's a2a/retry package's Do(ctx,
// cfg, fn) shape but delegating the backoff algorithm itself to
// github.com/cenkalti/backoff/v4 rather than hand-rolling it.
package storageretry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config configures retry behavior for a storage backend operation.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Zero or negative means no retries beyond the first attempt.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration
}

// DefaultConfig returns a sensible default for storage backend retries.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Do runs fn, retrying on error per cfg until it succeeds, attempts are
// exhausted, or ctx is done. IsRetryable gates which errors are retried; a
// nil IsRetryable retries every error fn returns.
func Do(ctx context.Context, cfg Config, isRetryable func(error) bool, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.MaxElapsedTime = 0

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var attempt int
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		if attempt >= maxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(exp, ctx))
}
