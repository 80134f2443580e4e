package restclient

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a continuous-refill token-bucket rate limiter. Callers
// block in Wait() until a token is available or the context is cancelled.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func newTokenBucket(capacity, ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (tb *tokenBucket) Wait(ctx context.Context) error {
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

// rateLimiter groups buckets by the venue's published per-category limits.
type rateLimiter struct {
	Submit *tokenBucket // POST order submission endpoints
	Cancel *tokenBucket // DELETE cancellation endpoints
	Query  *tokenBucket // GET getOrder/getMarketResolution/getTickSize/etc.
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		Submit: newTokenBucket(350, 50),
		Cancel: newTokenBucket(300, 30),
		Query:  newTokenBucket(150, 15),
	}
}
