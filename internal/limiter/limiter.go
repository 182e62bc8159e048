// Package limiter paces probe transmission.
package limiter

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter using integer nanosecond arithmetic, which
// avoids float drift on long multi-target sweeps. One bucket may be shared
// by every session of a sweep so the aggregate probe rate stays bounded.
type TokenBucket struct {
	mu             sync.Mutex
	rateNsPerToken int64 // 1e9 / rate
	bucketSize     int64
	tokens         int64
	lastCheck      int64 // UnixNano
}

// NewTokenBucket creates a limiter with the given rate (probes per second)
// and burst size. A non-positive rate returns nil, which never blocks.
func NewTokenBucket(rate float64, burst float64) *TokenBucket {
	if rate <= 0 {
		return nil
	}
	nsPerToken := int64(1e9 / rate)
	if nsPerToken < 1 {
		nsPerToken = 1
	}
	burstInt := int64(burst)
	if burstInt < 1 {
		burstInt = 1
	}
	return &TokenBucket{
		rateNsPerToken: nsPerToken,
		bucketSize:     burstInt,
		tokens:         burstInt,
		lastCheck:      time.Now().UnixNano(),
	}
}

// Wait blocks until one token is available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.WaitN(ctx, 1)
}

// WaitN blocks until n tokens are available or ctx is done. Tokens are
// reserved before sleeping, so concurrent callers queue up in order.
func (tb *TokenBucket) WaitN(ctx context.Context, n int) error {
	if tb == nil {
		return ctx.Err()
	}
	delay := tb.reserve(int64(n))
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserve takes n tokens, letting the balance go negative, and returns how
// long the caller must wait for the deficit to refill.
func (tb *TokenBucket) reserve(needed int64) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now().UnixNano()
	elapsed := now - tb.lastCheck
	refill := elapsed / tb.rateNsPerToken
	tb.tokens += refill
	tb.lastCheck += refill * tb.rateNsPerToken
	if tb.tokens > tb.bucketSize {
		tb.tokens = tb.bucketSize
		tb.lastCheck = now
	}

	tb.tokens -= needed
	if tb.tokens >= 0 {
		return 0
	}
	return time.Duration(-tb.tokens * tb.rateNsPerToken)
}
