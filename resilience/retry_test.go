package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	spec := RetrySpec{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := spec.Do(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	spec := RetrySpec{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := spec.Do(context.Background(), func(_ context.Context) error {
		calls++
		return errBoom
	})

	assert.Equal(t, 5, calls)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Attempts)
	assert.ErrorIs(t, err, errBoom)
}

func TestRetryNonRetryableAbortsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	spec := RetrySpec{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	}

	calls := 0
	err := spec.Do(context.Background(), func(_ context.Context) error {
		calls++
		return permanent
	})

	// Returned unchanged, not wrapped in RetryExhaustedError.
	require.ErrorIs(t, err, permanent)
	var exhausted *RetryExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, calls)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	spec := RetrySpec{MaxAttempts: 5, BaseDelay: time.Millisecond}

	calls := 0
	err := spec.Do(context.Background(), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryBackoffSchedule(t *testing.T) {
	spec := RetrySpec{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}
	bo := spec.newBackOff()

	// Without jitter the schedule doubles from the base and caps at MaxDelay.
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.NextBackOff(), "delay %d", i)
	}
}

func TestRetryJitterStaysWithinBounds(t *testing.T) {
	spec := RetrySpec{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       time.Second,
		JitterFraction: 0.5,
	}
	bo := spec.newBackOff()

	d := bo.NextBackOff()
	assert.GreaterOrEqual(t, d, 50*time.Millisecond)
	assert.LessOrEqual(t, d, 150*time.Millisecond)
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	spec := RetrySpec{MaxAttempts: 3, BaseDelay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- spec.Do(ctx, func(_ context.Context) error {
			calls++
			return errBoom
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}
