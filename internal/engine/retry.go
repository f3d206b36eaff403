package engine

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy computes the delay between step attempts. Every error is
// retried while the step's retry budget lasts; there is no error
// classification at this layer.
type RetryPolicy struct {
	// BaseDelay is multiplied by 2^retryCount.
	BaseDelay time.Duration
	// Jitter is the upper bound of the random extra delay, as a fraction of
	// the exponential delay.
	Jitter float64
	// Rand returns a value in [0, 1). Nil means math/rand/v2.
	Rand func() float64
}

// DefaultRetryPolicy returns a 1s base delay with up to 30% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: time.Second,
		Jitter:    0.3,
	}
}

// ComputeBackoff returns 2^retryCount * BaseDelay plus a random jitter in
// [0, Jitter * that delay].
func (p RetryPolicy) ComputeBackoff(retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30
	}

	delay := p.BaseDelay * time.Duration(1<<retryCount)
	if p.Jitter <= 0 {
		return delay
	}

	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	return delay + time.Duration(float64(delay)*p.Jitter*r())
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
