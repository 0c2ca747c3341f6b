// Package retry provides retry logic with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxRetries  int           // Additional attempts after the first one
	InitialWait time.Duration // Wait after the first failed attempt
	MaxWait     time.Duration // Upper bound for a single wait
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)

	// Sleep waits between attempts. Nil uses a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait with the failed attempt index.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultConfig returns the preview defaults: two retries waiting
// min(1s * 2^attempt, 8s) between attempts.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  2,
		InitialWait: time.Second,
		MaxWait:     8 * time.Second,
		Multiplier:  2.0,
	}
}

// Backoff returns the wait after the given zero-based failed attempt,
// without jitter.
func (c Config) Backoff(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	wait := float64(c.InitialWait) * math.Pow(mult, float64(attempt))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	return time.Duration(wait)
}

func (c Config) wait(attempt int) time.Duration {
	wait := float64(c.Backoff(attempt))
	if c.Jitter > 0 {
		wait += wait * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

type retryabler interface {
	Retryable() bool
}

// IsRetryable returns true if the error should be retried. Errors wrapped
// with Retryable qualify, as does any error in the chain that reports
// Retryable() == true.
func IsRetryable(err error) bool {
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	var r retryabler
	return errors.As(err, &r) && r.Retryable()
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	_, err := DoWithResult(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// DoWithResult executes fn with retries and returns a result. fn receives
// the zero-based attempt index.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, error) {
	var result T
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 0; ; attempt++ {
		r, err := fn(attempt)
		if err == nil {
			return r, nil
		}

		if !IsRetryable(err) || attempt >= cfg.MaxRetries {
			return result, err
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		wait := cfg.wait(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return result, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
