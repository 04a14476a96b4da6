// ratelimit.go implements token-bucket rate limiting shared by both venue
// REST clients.
//
// Each venue enforces its own per-category limits; a smooth token-bucket
// that refills continuously (rather than in fixed windows) keeps the
// engine under the limit without bursting into it every window boundary.
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuous-refill token-bucket rate limiter. Callers
// block in Wait until a token is available or ctx is canceled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given burst capacity and
// refill rate (tokens per second).
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is canceled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups the token buckets for one venue's REST endpoint
// categories.
type RateLimiter struct {
	Order  *TokenBucket
	Cancel *TokenBucket
	Fetch  *TokenBucket
}

// NewRateLimiter creates venue-generic rate limiters: a few hundred
// requests per 10-second window per category, smoothed to per-second rate.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(200, 20),
		Cancel: NewTokenBucket(200, 20),
		Fetch:  NewTokenBucket(300, 30),
	}
}
