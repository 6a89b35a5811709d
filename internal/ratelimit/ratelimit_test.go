package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTryAcquireExhausts(t *testing.T) {
	b := NewTokenBucket(3)
	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire(), "bucket of 3 yields exactly 3 immediate tokens")
}

func TestAcquireTimesOut(t *testing.T) {
	b := NewTokenBucket(1)
	assert.True(t, b.TryAcquire())

	start := time.Now()
	ok := b.Acquire(context.Background(), 100*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireHonoursContextCancel(t *testing.T) {
	b := NewTokenBucket(1)
	assert.True(t, b.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	ok := b.Acquire(ctx, 10*time.Second)
	assert.False(t, ok)
}

func TestResetRestoresCapacity(t *testing.T) {
	b := NewTokenBucket(2)
	b.TryAcquire()
	b.TryAcquire()
	assert.False(t, b.TryAcquire())

	b.Reset()
	assert.True(t, b.TryAcquire())

	stats := b.Stats()
	assert.Equal(t, 2, stats.TokensPerMinute)
	assert.EqualValues(t, 1, stats.TotalAcquired)
}
