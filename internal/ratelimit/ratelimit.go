package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TokenBucket limits callers to a fixed number of acquisitions per minute.
// Tokens refill continuously; Acquire blocks until a token is available, the
// timeout elapses, or the context is cancelled.
type TokenBucket struct {
	mu             sync.Mutex
	tokensPerMin   int
	tokens         float64
	lastRefill     time.Time
	totalAcquired  int64
	totalWaits     int64
}

func NewTokenBucket(tokensPerMinute int) *TokenBucket {
	return &TokenBucket{
		tokensPerMin: tokensPerMinute,
		tokens:       float64(tokensPerMinute),
		lastRefill:   time.Now(),
	}
}

// Acquire blocks up to timeout for a token. Returns false on timeout or
// context cancellation.
func (b *TokenBucket) Acquire(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	waited := false

	for time.Now().Before(deadline) {
		if b.TryAcquire() {
			return true
		}
		if !waited {
			b.mu.Lock()
			b.totalWaits++
			b.mu.Unlock()
			waited = true
			log.Debug().Int("limit", b.tokensPerMin).Msg("Rate limiter: waiting for token")
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	log.Warn().Dur("timeout", timeout).Msg("Rate limiter: timeout waiting for token")
	return false
}

// TryAcquire is the non-blocking variant.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		b.totalAcquired++
		return true
	}
	return false
}

// refill must be called with the lock held.
func (b *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(float64(b.tokensPerMin), b.tokens+elapsed*float64(b.tokensPerMin)/60.0)
	b.lastRefill = now
}

type Stats struct {
	TokensPerMinute int     `json:"tokens_per_minute"`
	CurrentTokens   float64 `json:"current_tokens"`
	TotalAcquired   int64   `json:"total_acquired"`
	TotalWaits      int64   `json:"total_waits"`
}

func (b *TokenBucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return Stats{
		TokensPerMinute: b.tokensPerMin,
		CurrentTokens:   b.tokens,
		TotalAcquired:   b.totalAcquired,
		TotalWaits:      b.totalWaits,
	}
}

// Reset restores full capacity. Test isolation only.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = float64(b.tokensPerMin)
	b.lastRefill = time.Now()
	b.totalAcquired = 0
	b.totalWaits = 0
}
