// Package retry provides exponential-backoff helpers for transient errors and
// for waiting on server-side state that has no confirmation signal.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500*time.Millisecond}, func() error {
//	    return client.Call()
//	})
//
//	err := retry.Until(ctx, retry.DefaultSettle, func() (bool, error) {
//	    return svc.Confirmed(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotConfirmed is returned by Until when the condition never held within
// the configured number of attempts.
var ErrNotConfirmed = errors.New("retry: condition not confirmed")

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	// Subsequent delays are doubled up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// ShouldRetry is an optional predicate that lets callers classify errors
	// as retryable.  When nil, all non-nil errors are retried.
	ShouldRetry func(err error) bool
}

// DefaultConfig provides sensible defaults for short-lived network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// DefaultSettle bounds a wait for chat-server state to propagate: roughly
// 8 seconds in total before giving up.
var DefaultSettle = Config{
	MaxAttempts:  6,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     3 * time.Second,
}

// Do calls fn up to cfg.MaxAttempts times, backing off exponentially between
// attempts.  It stops early when ctx is cancelled or fn returns nil.
// The error from the last attempt is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.withDefaults()
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return true }
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts {
			slog.Debug("retry: attempt failed, retrying",
				"attempt", attempt, "max", cfg.MaxAttempts,
				"err", lastErr, "delay", delay)

			if err := sleep(ctx, delay); err != nil {
				return errors.Join(lastErr, err)
			}
			delay = next(delay, cfg.MaxDelay)
		}
	}

	return lastErr
}

// Until polls check until it reports true, backing off exponentially between
// polls.  Errors from check are treated as "not yet" and remembered; when the
// attempts run out the result wraps ErrNotConfirmed together with the last
// check error, if any.
func Until(ctx context.Context, cfg Config, check func() (bool, error)) error {
	cfg = cfg.withDefaults()

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		ok, err := check()
		if ok && err == nil {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		if attempt < cfg.MaxAttempts {
			slog.Debug("retry: condition not confirmed yet",
				"attempt", attempt, "max", cfg.MaxAttempts,
				"err", err, "delay", delay)
			if err := sleep(ctx, delay); err != nil {
				return errors.Join(lastErr, err)
			}
			delay = next(delay, cfg.MaxDelay)
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrNotConfirmed, cfg.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrNotConfirmed, cfg.MaxAttempts)
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	return cfg
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func next(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		delay = max
	}
	return delay
}
