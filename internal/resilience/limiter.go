// Package resilience provides the per-upstream protections used by every
// outbound call: a token-bucket rate limiter, a circuit breaker, full-jitter
// backoff and an HTTP client that composes them.
package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket bounds the request rate to one upstream. Capacity and refill
// rate are both R: a burst of R requests passes immediately, after which
// callers are released one every 1/R seconds in arrival order.
type TokenBucket struct {
	name string
	lim  *rate.Limiter
}

// NewTokenBucket creates a bucket holding perSecond tokens that refills at
// perSecond tokens per second.
func NewTokenBucket(name string, perSecond int) *TokenBucket {
	if perSecond < 1 {
		perSecond = 1
	}
	return &TokenBucket{
		name: name,
		lim:  rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Acquire takes one token, suspending for the deficit when the bucket is
// empty. It returns early with an error if ctx is cancelled first.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	if err := b.lim.Wait(ctx); err != nil {
		return fmt.Errorf("resilience: %s limiter: %w", b.name, err)
	}
	return nil
}

// TryAcquire takes a token only if one is available right now.
func (b *TokenBucket) TryAcquire() bool {
	return b.lim.Allow()
}

// reserveAt books a token at now and returns how long the caller would have
// to wait for it.
func (b *TokenBucket) reserveAt(now time.Time) time.Duration {
	return b.lim.ReserveN(now, 1).DelayFrom(now)
}
