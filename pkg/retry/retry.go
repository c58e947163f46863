// Package retry provides a higher-order wrapper that re-invokes failing
// operations with jittered exponential backoff. Only errors marked
// retryable at the throw site are retried; everything else propagates
// immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryableError marks a transient failure. Adapters wrap provider faults
// (HTTP 429, timeouts, connection errors, 5xx) into it so retryability is
// decided where the error is produced, not by message matching.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as transient. A nil err returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err (or anything it wraps) is transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Config tunes one call site.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig matches the budget used by most external I/O call sites.
var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
}

// Do invokes op up to cfg.MaxAttempts times. After a retryable failure on
// attempt i it sleeps min(MaxDelay, BaseDelay*2^(i-1)) * (1 + rand[0,1)).
// Context cancellation aborts the wait and returns ctx.Err().
func Do[T any](ctx context.Context, cfg Config, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		slog.Warn("Retryable failure, backing off",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}

// backoffDelay computes the jittered exponential delay for an attempt
// number starting at 1.
func backoffDelay(cfg Config, attempt int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base << (attempt - 1)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := 1 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
