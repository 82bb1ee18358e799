package engine

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondcut/internal/ir"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1, nil))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2, nil))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3, nil))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4, nil))
	assert.Equal(t, time.Second, p.Delay(5, nil), "capped at MaxDelay")
}

func TestRetryPolicy_DelayJitterBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := p.Delay(1, rng)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func TestRetryPolicy_ZeroBaseDelay(t *testing.T) {
	assert.Zero(t, RetryPolicy{}.Delay(3, nil))
	assert.Equal(t, 1, RetryPolicy{}.attempts())
}

func TestRetrier_RetriesTransientUntilSuccess(t *testing.T) {
	var waits []time.Duration
	r := retrier{
		policy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2},
		sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	calls := 0
	attempts, err := r.do(context.Background(), "op", func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return ir.TransientNetworkError(errors.New("reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestRetrier_PermanentErrorIsNotRetried(t *testing.T) {
	r := retrier{policy: RetryPolicy{MaxAttempts: 5}, sleep: noSleep}
	boom := errors.New("boom")

	attempts, err := r.do(context.Background(), "op", func(int) error { return boom })

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsAttemptsExhausted(err))
}

func TestRetrier_Exhausted(t *testing.T) {
	r := retrier{policy: RetryPolicy{MaxAttempts: 2}, sleep: noSleep}

	attempts, err := r.do(context.Background(), "op", func(int) error {
		return ir.TransientNetworkError(errors.New("timeout"))
	})

	assert.Equal(t, 2, attempts)
	require.True(t, IsAttemptsExhausted(err))
	assert.True(t, ir.IsTransient(err), "exhaustion unwraps to the last transient error")
}

func TestRetrier_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := retrier{policy: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}, sleep: sleepContext}

	attempts, err := r.do(ctx, "op", func(int) error {
		cancel()
		return ir.TransientNetworkError(errors.New("timeout"))
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}
