package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryExhaustedError is returned when every attempt failed. It wraps the
// last underlying error.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// RetrySpec is immutable retry configuration, safe to share by value across
// callers. The delay before attempt n+1 is min(BaseDelay * 2^(n-1), MaxDelay)
// scaled by a random jitter factor.
type RetrySpec struct {
	// MaxAttempts bounds the total number of invocations. Default: 3.
	MaxAttempts int

	// BaseDelay is the delay after the first failure. Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Default: 5s.
	MaxDelay time.Duration

	// JitterFraction randomizes each delay within ±fraction. Zero disables
	// jitter.
	JitterFraction float64

	// Retryable classifies errors. A nil Retryable retries every error.
	// Non-retryable errors are returned immediately without further
	// attempts and without wrapping.
	Retryable func(error) bool
}

// withDefaults returns the spec with zero fields filled in.
func (s RetrySpec) withDefaults() RetrySpec {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = 100 * time.Millisecond
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 5 * time.Second
	}
	return s
}

// newBackOff builds the exponential schedule for one execution. Each
// execution gets its own instance; ExponentialBackOff is stateful.
func (s RetrySpec) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.BaseDelay
	bo.MaxInterval = s.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = s.JitterFraction
	bo.Reset()
	return bo
}

// Do invokes fn up to MaxAttempts times, sleeping the backoff schedule
// between attempts. A non-retryable error aborts immediately and is returned
// unchanged; exhausting the attempts returns a RetryExhaustedError wrapping
// the last error. Context cancellation during a backoff sleep returns
// ctx.Err().
func (s RetrySpec) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	spec := s.withDefaults()
	bo := spec.newBackOff()

	var lastErr error
	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if spec.Retryable != nil && !spec.Retryable(lastErr) {
			return lastErr
		}
		if attempt == spec.MaxAttempts {
			break
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return &RetryExhaustedError{Attempts: spec.MaxAttempts, Err: lastErr}
}
