// Package retry runs operations with exponential backoff, retrying only the
// errors a caller-supplied predicate classifies as retryable.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy configures retry behavior
type Policy struct {
	MaxAttempts    int           // total attempts including the first
	InitialBackoff time.Duration // delay before the second attempt
	MaxBackoff     time.Duration // cap for any single delay
	Multiplier     float64       // growth factor between delays
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
	}
}

// Predicate reports whether an error is worth another attempt
type Predicate func(error) bool

// ExhaustedError is returned when every attempt failed with a retryable error
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do executes op until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done.
func Do(ctx context.Context, policy Policy, retryable Predicate, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, policy, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value
func DoValue[T any](ctx context.Context, policy Policy, retryable Predicate, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("operation cancelled: %w", err)
		}

		value, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("Operation succeeded after retry")
			}
			return value, nil
		}
		lastErr = err

		if retryable == nil || !retryable(err) {
			return zero, err
		}

		if attempt == attempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("backoff", backoff).
			Msg("Operation failed, retrying with backoff")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-timer.C:
		}

		backoff = next(backoff, policy)
	}

	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func next(current time.Duration, policy Policy) time.Duration {
	factor := policy.Multiplier
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(current) * factor)
	if policy.MaxBackoff > 0 && d > policy.MaxBackoff {
		d = policy.MaxBackoff
	}
	return d
}
