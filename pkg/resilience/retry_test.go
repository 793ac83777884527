package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), func(ctx context.Context) (struct{}, error) {
		calls++
		if calls < 3 {
			return struct{}{}, errTransient
		}
		return struct{}{}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	retries := 0
	policy := fastPolicy()
	policy.OnRetry = func(attempt int, err error, delay time.Duration) { retries++ }

	_, err := Do(context.Background(), policy, func(ctx context.Context) (struct{}, error) {
		calls++
		return struct{}{}, errTransient
	})

	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, retries)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	policy := fastPolicy()
	policy.Retryable = RetryOn(errTransient)

	calls := 0
	_, err := Do(context.Background(), policy, func(ctx context.Context) (struct{}, error) {
		calls++
		return struct{}{}, fatal
	})

	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := fastPolicy()
	policy.InitialDelay = time.Second
	policy.MaxDelay = time.Second

	calls := 0
	_, err := Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		calls++
		cancel()
		return struct{}{}, errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}

	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(10))

	p.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := p.Backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}
