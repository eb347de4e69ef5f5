// Package resilience provides the retry and circuit breaker primitives used
// by the remote manifest pipeline.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes exponential backoff with jitter:
// delay = min(max_delay, base * factor^(attempt-1)) * (1 +/- jitter).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
}

// DefaultRetryPolicy matches the remote pipeline defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Factor:      2.0,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Factor <= 1 {
		p.Factor = 2.0
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.2
	}
	return p
}

// backOff builds the cenkalti backoff chain for this policy.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.normalized()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = p.Factor
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0 // bounded by attempt count, not wall time
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Retry runs op until it succeeds, the attempt budget is exhausted, or the
// context is done. A backoff.Permanent error stops retrying immediately.
func Retry(ctx context.Context, p RetryPolicy, op func() error) error {
	return backoff.Retry(op, p.backOff(ctx))
}

// Permanent marks an error as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
