package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openrlm/rlm-go/session"
)

func TestRetrySucceedsAfterRetryableFailure(t *testing.T) {
	calls := 0
	out, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, &TimeoutError{Op: "op"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected output %v", out)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	final := &TimeoutError{Op: "op"}
	_, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func(ctx context.Context) (any, error) {
		calls++
		return nil, final
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected the final TimeoutError, got %v", err)
	}
}

func TestRetryDoesNotRetryNonRetryable(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), DefaultRetryPolicy(), func(ctx context.Context) (any, error) {
		calls++
		return nil, ErrCircuitOpen
	})
	if calls != 1 {
		t.Fatalf("non-retryable error must propagate on first attempt, got %d attempts", calls)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRetryDoesNotRetryBudgetErrors(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), DefaultRetryPolicy(), func(ctx context.Context) (any, error) {
		calls++
		return nil, session.ErrBudgetExceeded
	})
	if calls != 1 {
		t.Fatalf("budget error must never be retried, got %d attempts", calls)
	}
	if !errors.Is(err, session.ErrBudgetExceeded) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBackoffGrowthIsCapped(t *testing.T) {
	policy := NormalizeRetryPolicy(RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    400 * time.Millisecond,
	})
	if got := policy.backoffForAttempt(1); got != 100*time.Millisecond {
		t.Errorf("attempt 1: expected 100ms, got %v", got)
	}
	if got := policy.backoffForAttempt(2); got != 200*time.Millisecond {
		t.Errorf("attempt 2: expected 200ms, got %v", got)
	}
	if got := policy.backoffForAttempt(5); got != 400*time.Millisecond {
		t.Errorf("attempt 5: expected cap 400ms, got %v", got)
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	policy := NormalizeRetryPolicy(RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		JitterFactor: 0.5,
	})
	for i := 0; i < 50; i++ {
		got := policy.backoffForAttempt(1)
		if got < 100*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [100ms,150ms]", got)
		}
	}
}
