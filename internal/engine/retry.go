package engine

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/diamondcut/internal/ir"
)

// RetryPolicy bounds retries of transient network failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failure. Each further
	// failure multiplies it by Multiplier, up to MaxDelay.
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultRetryPolicy returns three attempts starting at two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait before retrying after failed attempt n (1-based).
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(p.BaseDelay)
	if attempt > 1 {
		delay *= math.Pow(mult, float64(attempt-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retrier runs an operation under a RetryPolicy. Only errors classified
// as ir.KindTransientNetwork are retried.
type retrier struct {
	policy RetryPolicy
	sleep  func(context.Context, time.Duration) error
	logger *zap.Logger
}

// do calls fn until it succeeds, fails permanently or the attempts run
// out. It returns the number of attempts made.
func (r retrier) do(ctx context.Context, what string, fn func(attempt int) error) (int, error) {
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := r.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	max := r.policy.attempts()
	var last error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if !ir.IsTransient(err) {
			return attempt, err
		}
		last = err
		if attempt == max {
			break
		}
		delay := r.policy.Delay(attempt, nil)
		logger.Warn("transient failure, retrying",
			zap.String("op", what),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", max),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	return max, &AttemptsExhaustedError{Attempts: max, Last: last}
}
