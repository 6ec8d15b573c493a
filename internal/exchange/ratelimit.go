// ratelimit.go implements token-bucket rate limiting for the Binance
// futures REST API.
//
// Binance enforces an IP request-weight budget of 2400 per minute on the
// futures REST host. Depth snapshots are the heaviest call we make (weight
// 20 at limit=1000), klines cost up to 10, and the small market-data reads
// cost 1. The buckets below refill continuously and are tuned well inside
// the published budget so a resync storm cannot trip the hard limit.
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

// RateLimiter groups token buckets by REST endpoint category.
// Each call must pass the appropriate bucket's Wait() before making the
// HTTP request.
type RateLimiter struct {
	Depth  *TokenBucket // GET /fapi/v1/depth — snapshot/resync reads
	Klines *TokenBucket // GET /fapi/v1/klines — HTF backfill
	Market *TokenBucket // GET /fapi/v1/openInterest, /premiumIndex
}

// NewRateLimiter creates rate limiters tuned to the futures weight budget.
// Capacities allow short bursts (multi-symbol resync, startup backfill),
// rates keep the steady state far below 2400 weight/min.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Depth:  NewTokenBucket(10, 2),
		Klines: NewTokenBucket(20, 5),
		Market: NewTokenBucket(60, 20),
	}
}
