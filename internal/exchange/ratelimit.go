// ratelimit.go implements token-bucket rate limiting for the Binance
// futures API.
//
// Binance enforces an order rate limit (orders per 10s window) and a
// request-weight limit per minute. This file provides a smooth token-bucket
// implementation that refills continuously (rather than in window bursts)
// to stay clear of hard limits.
//
// Three buckets are maintained:
//   - Order:  100 burst / 20 per sec (order placement)
//   - Cancel: 100 burst / 20 per sec (order cancellation)
//   - Market: 200 burst / 40 per sec (market data + account reads)
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

// RateLimiter groups token buckets by Binance API endpoint category.
// Each operation must call the appropriate bucket's Wait() before making
// the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // POST /fapi/v1/order
	Cancel *TokenBucket // DELETE /fapi/v1/order
	Market *TokenBucket // market data and account reads
}

// NewRateLimiter creates rate limiters tuned below Binance's published
// futures limits, leaving headroom for manual actions on the same account.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(100, 20),
		Cancel: NewTokenBucket(100, 20),
		Market: NewTokenBucket(200, 40),
	}
}
