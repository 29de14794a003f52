// ratelimit.go implements token-bucket rate limiting for the futures REST API.
//
// The exchange enforces request-weight limits per minute plus a separate
// order-rate limit. This file provides a smooth token-bucket implementation
// that refills continuously (rather than in one-minute bursts) to avoid
// hitting hard limits.
//
// Three buckets are maintained:
//   - Order:  100 burst / 5 per sec  (order placement + cancels)
//   - Signed: 120 burst / 10 per sec (balance, positions, trades, leverage)
//   - Market: 200 burst / 20 per sec (prices, books, klines, exchange info)
package exchange

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

// RateLimiter groups token buckets by REST endpoint category. Each call must
// Wait() on the appropriate bucket before making the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // order placement and cancellation
	Signed *TokenBucket // account reads: balance, positions, user trades
	Market *TokenBucket // public market data
}

// NewRateLimiter creates rate limiters tuned to the futures API limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(100, 5),
		Signed: NewTokenBucket(120, 10),
		Market: NewTokenBucket(200, 20),
	}
}
