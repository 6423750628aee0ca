// Package retrier runs operations under a fixed-attempt, fixed-delay retry
// policy with an error classifier.
//
// Only transient faults (network timeouts, connection drops, transient
// datastore errors) are retried; anything else propagates on the first
// attempt. The final failure propagates the original cause.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Bounds and defaults for the retry policy.
const (
	MinAttempts = 1
	MaxAttempts = 10
	MinDelay    = 100 * time.Millisecond
	MaxDelay    = 60 * time.Second

	DefaultAttempts = 3
	DefaultDelay    = time.Second
)

var (
	// ErrAttemptsOutOfRange is returned by New for an invalid MaxAttempts.
	ErrAttemptsOutOfRange = errors.New("maxAttempts out of range")

	// ErrDelayOutOfRange is returned by New for an invalid Delay.
	ErrDelayOutOfRange = errors.New("delay out of range")
)

// Config holds the retry policy parameters.
type Config struct {
	// MaxAttempts is the total number of attempts, first try included.
	// Zero selects DefaultAttempts.
	MaxAttempts int

	// Delay is the fixed pause between attempts. Zero selects DefaultDelay.
	Delay time.Duration
}

// Retrier executes operations under the configured policy.
type Retrier struct {
	maxAttempts int
	delay       time.Duration
}

// New validates cfg against the policy bounds and returns a Retrier.
func New(cfg Config) (*Retrier, error) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultAttempts
	}

	if cfg.Delay == 0 {
		cfg.Delay = DefaultDelay
	}

	if cfg.MaxAttempts < MinAttempts || cfg.MaxAttempts > MaxAttempts {
		return nil, fmt.Errorf("%w: %d", ErrAttemptsOutOfRange, cfg.MaxAttempts)
	}

	if cfg.Delay < MinDelay || cfg.Delay > MaxDelay {
		return nil, fmt.Errorf("%w: %s", ErrDelayOutOfRange, cfg.Delay)
	}

	return &Retrier{maxAttempts: cfg.MaxAttempts, delay: cfg.Delay}, nil
}

// MaxAttempts returns the configured number of attempts.
func (r *Retrier) MaxAttempts() int { return r.maxAttempts }

// Delay returns the configured pause between attempts.
func (r *Retrier) Delay() time.Duration { return r.delay }

// Do runs fn, retrying while the returned error classifies as transient. The
// op name is used for logging only. The last error is returned unwrapped so
// callers can still inspect it with errors.Is / errors.As.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			zerolog.Ctx(ctx).Warn().
				Err(lastErr).
				Str("op", op).
				Int("attempt", attempt).
				Int("max_attempts", r.maxAttempts).
				Msg("operation failed, not retryable")

			return lastErr
		}

		if attempt < r.maxAttempts {
			zerolog.Ctx(ctx).Warn().
				Err(lastErr).
				Str("op", op).
				Int("attempt", attempt).
				Int("max_attempts", r.maxAttempts).
				Dur("delay", r.delay).
				Msg("operation failed, retrying")
		} else {
			zerolog.Ctx(ctx).Warn().
				Err(lastErr).
				Str("op", op).
				Int("attempt", attempt).
				Int("max_attempts", r.maxAttempts).
				Msg("operation failed, no more retries")
		}
	}

	return lastErr
}

// Value runs fn under the retrier policy and returns its result.
func Value[T any](ctx context.Context, r *Retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T

	err := r.Do(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)

		return err
	})

	return out, err
}
