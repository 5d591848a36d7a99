// Package ratelimiter throttles background work such as block deletion
// batches so that maintenance traffic cannot starve client operations.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket sized in work items (blocks, records).
//
// A zero rate means unlimited: every call returns immediately.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter allowing itemsPerSecond sustained and burst
// items at once. A burst of 0 defaults to itemsPerSecond.
//
// Example:
//
//	// drain at most 5000 blocks/s
//	limiter := New(5000, 0)
func New(itemsPerSecond, burst uint) *RateLimiter {
	if itemsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = itemsPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(itemsPerSecond), int(burst)),
	}
}

// Allow reports whether one item may proceed now.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until one item may proceed or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// WaitN blocks until n items may proceed.
//
// Unlike rate.Limiter.WaitN, n may exceed the burst size: the wait is split
// into burst-sized chunks so that large batches are paced instead of
// rejected.
//
// Returns:
//   - nil once all n tokens were acquired
//   - the context error if ctx is cancelled first
func (r *RateLimiter) WaitN(ctx context.Context, n int) error {
	if r.limiter.Limit() == rate.Inf {
		return ctx.Err()
	}

	burst := r.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := r.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// SetLimit changes the sustained rate. 0 disables throttling. The burst
// follows the new rate.
func (r *RateLimiter) SetLimit(itemsPerSecond uint) {
	if itemsPerSecond == 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(itemsPerSecond))
	r.limiter.SetBurst(int(itemsPerSecond))
}

// Unlimited reports whether throttling is disabled.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}
