// ratelimit.go implements token-bucket rate limiting for the upstream feeds.
//
// Both providers enforce coarse per-minute quotas on free-tier keys. This
// file provides a smooth token-bucket implementation that refills
// continuously (rather than in fixed-window bursts) so the collectors
// never trip the hard limits even when several tiers fire in one tick.
//
// Two buckets are maintained:
//   - Market: 10 burst / 0.5 per sec (≈30 requests per minute)
//   - Macro:   5 burst / 0.2 per sec (≈12 requests per minute)
package feed

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
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

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by upstream provider. Each feed call
// must call the appropriate bucket's Wait() before making the HTTP request.
type RateLimiter struct {
	Market *TokenBucket // price-feed endpoints (OHLC + volume reads)
	Macro  *TokenBucket // macro-feed observation reads
}

// NewRateLimiter creates rate limiters tuned well under the providers'
// published free-tier limits; the tier cadences keep aggregate traffic
// at ~3 requests/minute anyway, so the buckets only matter on startup
// bursts when every task is due at once.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Market: NewTokenBucket(10, 0.5),
		Macro:  NewTokenBucket(5, 0.2),
	}
}
