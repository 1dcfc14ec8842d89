// Package retry repeats an operation with a growing pause between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts counts every call, the first one included. Values below
	// one mean a single call.
	MaxAttempts int
	// BaseDelay is the pause after the first failure. Pauses grow with the
	// square of the attempt number.
	BaseDelay time.Duration
	// MaxDelay caps a single pause. Zero leaves it uncapped.
	MaxDelay time.Duration
	// Retryable reports whether err may succeed on another try. Nil treats
	// everything except context cancellation as retryable.
	Retryable func(err error) bool
	// OnRetry runs before each pause with the number of the attempt that
	// just failed.
	OnRetry func(attempt int, err error)
}

// Delay is the pause after the given failed attempt (1-based).
//
//	BaseDelay=200ms: 200ms, 800ms, 1.8s, ...
func (c Config) Delay(attempt int) time.Duration {
	d := c.BaseDelay * time.Duration(attempt*attempt)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func (c Config) attempts() int { return max(1, c.MaxAttempts) }

func (c Config) retryable(err error) bool {
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Value calls fn until it succeeds and returns its result. It gives up with
// the last error once the attempts run out or the error is not retryable,
// and with a wrapped ctx.Err() when ctx ends during a pause.
func Value[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if attempt >= cfg.attempts() || !cfg.retryable(err) {
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if werr := sleep(ctx, cfg.Delay(attempt)); werr != nil {
			return zero, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, werr)
		}
	}
}

// Do is Value for operations without a result.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := Value(ctx, cfg, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
