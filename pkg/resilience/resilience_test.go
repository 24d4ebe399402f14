package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	var transitions []State
	cb := NewCircuitBreaker("jira", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(_ string, s State) { transitions = append(transitions, s) },
	})
	cb.now = func() time.Time { return clock }

	fail := func() error { return errBoom }
	ok := func() error { return nil }

	assert.ErrorIs(t, cb.Execute(fail), errBoom)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(fail), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock = clock.Add(time.Minute)
	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("jira", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.now = func() time.Time { return clock }

	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	clock = clock.Add(time.Second)
	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerIgnoresNonFailures(t *testing.T) {
	errMissing := errors.New("missing")
	cb := NewCircuitBreaker("jira", CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errMissing) },
	})
	for range 3 {
		assert.ErrorIs(t, cb.Execute(func() error { return errMissing }), errMissing)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), "flaky", cfg, func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), "broken", cfg, func() error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	errPermanent := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), "lookup", RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, errPermanent) },
	}, func() error {
		calls++
		return errPermanent
	})
	assert.Equal(t, errPermanent, err)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "cancelled", RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour}, func() error { return errBoom })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = WithTimeout(context.Background(), time.Second, "fast", func(context.Context) error { return errBoom })
	assert.Equal(t, errBoom, err)

	err = WithTimeout(context.Background(), 0, "unbounded", func(context.Context) error { return nil })
	assert.NoError(t, err)
}
