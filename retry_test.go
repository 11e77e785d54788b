package bizsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, BaseDelay: time.Millisecond}
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("transient then success", func(t *testing.T) {
		calls := 0
		v, err := WithRetry(ctx, fastPolicy(3), func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", &Error{Kind: KindTransient, Status: 503}
			}
			return "ok", nil
		})
		if err != nil || v != "ok" {
			t.Fatalf("expected ok, got %q %v", v, err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("exhausted returns last error", func(t *testing.T) {
		calls := 0
		_, err := WithRetry(ctx, fastPolicy(3), func(context.Context) (int, error) {
			calls++
			return 0, &Error{Kind: KindTransient, Status: 500 + calls}
		})
		var e *Error
		if !errors.As(err, &e) || e.Status != 503 {
			t.Fatalf("expected last error with status 503, got %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("non-retryable surfaces immediately", func(t *testing.T) {
		for _, kind := range []ErrorKind{KindUnauthorized, KindPaymentRequired, KindNotFound, KindValidation} {
			calls := 0
			_, err := WithRetry(ctx, fastPolicy(3), func(context.Context) (int, error) {
				calls++
				return 0, &Error{Kind: kind}
			})
			if calls != 1 {
				t.Fatalf("%v: expected 1 call, got %d", kind, calls)
			}
			if KindOf(err) != kind {
				t.Fatalf("expected %v, got %v", kind, KindOf(err))
			}
		}
	})

	t.Run("linear backoff", func(t *testing.T) {
		var delays []time.Duration
		p := fastPolicy(4)
		p.OnRetry = func(_ int, d time.Duration, _ error) { delays = append(delays, d) }
		WithRetry(ctx, p, func(context.Context) (int, error) { return 0, ErrTransient })
		want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
		if len(delays) != len(want) {
			t.Fatalf("expected %d waits, got %v", len(want), delays)
		}
		for i := range want {
			if delays[i] != want[i] {
				t.Fatalf("wait %d: expected %v, got %v", i, want[i], delays[i])
			}
		}
	})

	t.Run("cancellation stops the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := RetryPolicy{Attempts: 5, BaseDelay: time.Hour}
		p.OnRetry = func(int, time.Duration, error) { cancel() }
		_, err := WithRetry(ctx, p, func(context.Context) (int, error) { return 0, ErrTransient })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
