package bizsync

import (
	"context"
	"math/rand"
	"time"
)

// ============================================================================
// Retry Policy
// ============================================================================

const (
	DefaultRetryCount = 3
	DefaultBaseDelay  = time.Second
)

// RetryPolicy bounds the attempts made for a single remote call.
// The wait before attempt n+1 is BaseDelay*n, plus up to Jitter*that.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Jitter    float64

	// OnRetry is called before each wait. Optional.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns three attempts with 1s linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: DefaultRetryCount, BaseDelay: DefaultBaseDelay}
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(attempt)
	if p.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// WithRetry runs fn until it succeeds, fails with a non-retryable error, or
// the policy is exhausted. The last error is returned unchanged.
func WithRetry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	max := p.attempts()
	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == max {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
