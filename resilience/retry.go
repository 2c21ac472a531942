package resilience

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultBaseDelay = 200 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
)

// RetryPolicy bounds retry behavior: attempts, exponential delay growth
// capped at MaxDelay, and random jitter proportional to JitterFactor.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    defaultBaseDelay,
		MaxDelay:     defaultMaxDelay,
		JitterFactor: 0.2,
	}
}

func NormalizeRetryPolicy(in RetryPolicy) RetryPolicy {
	out := in
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = defaultBaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = defaultMaxDelay
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	if out.JitterFactor < 0 {
		out.JitterFactor = 0
	}
	if out.JitterFactor > 1 {
		out.JitterFactor = 1
	}
	return out
}

// Backoff returns the delay to sleep after the given 1-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.backoffForAttempt(attempt)
}

func (p RetryPolicy) backoffForAttempt(retryNumber int) time.Duration {
	if retryNumber < 1 {
		retryNumber = 1
	}
	delay := p.BaseDelay
	for i := 1; i < retryNumber; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		jitter := time.Duration(float64(delay) * p.JitterFactor * rand.Float64())
		delay += jitter
	}
	return delay
}

// Retry runs op up to policy.MaxAttempts times. Only errors classified
// retryable by IsRetryable are retried; everything else propagates on
// the attempt that produced it. The last failure is returned once the
// attempts are exhausted.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (any, error)) (any, error) {
	policy = NormalizeRetryPolicy(policy)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		backoff := policy.backoffForAttempt(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}
