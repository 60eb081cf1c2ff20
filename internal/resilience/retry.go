// Package resilience provides the fault-protection primitives used by the
// messaging core: retry with exponential backoff and a three-state circuit
// breaker. Both are deliberately dependency-free; every caller composes
// them with its own transport.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryOptions configures Do.
type RetryOptions struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponentially growing delay.
	MaxDelay time.Duration
	// Multiplier is the backoff growth factor. 2.0 doubles the delay
	// after each failed attempt. Values at or below 1 disable growth.
	Multiplier float64
	// Jitter, when true, perturbs each delay by up to ±10% uniformly to
	// avoid thundering herds.
	Jitter bool
	// ShouldRetry is consulted on every failure, including the last
	// attempt's. Returning false surfaces the error immediately.
	// Nil means retry on every error.
	ShouldRetry func(error) bool
}

// DefaultRetryOptions mirrors the defaults used across the mesh.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Do executes fn with retry. It never sleeps after the final attempt, and
// a backoff sleep is cancelable through ctx: cancellation aborts the wait
// and returns ctx.Err(). On success the value of the first successful
// attempt is returned; on exhaustion the last error is wrapped in
// *ExhaustedError.
func Do[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoffDelay(opts, attempt)):
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, LastErr: lastErr}
}

// backoffDelay computes the delay after the attempt-th failure (0-indexed):
// min(base * multiplier^attempt, max), plus optional ±10% jitter.
func backoffDelay(opts RetryOptions, attempt int) time.Duration {
	base := float64(opts.BaseDelay)
	if base <= 0 {
		return 0
	}
	mult := opts.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := base * math.Pow(mult, float64(attempt))
	if max := float64(opts.MaxDelay); max > 0 && d > max {
		d = max
	}
	if opts.Jitter {
		d += d * 0.1 * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
