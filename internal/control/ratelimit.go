package control

import (
	"sync"
	"time"
)

// tokenBucket is a per-connection message-rate limiter, grounded on the
// teacher's sharded registration rate limiter but scoped to a single
// control channel: one bucket, no sharding needed since each session
// already owns its own instance.
type tokenBucket struct {
	mu        sync.Mutex
	tokens    float64
	lastCheck time.Time

	rate  float64 // tokens per second
	burst float64
}

func newTokenBucket(ratePerSecond int) *tokenBucket {
	rate := float64(ratePerSecond)
	return &tokenBucket{
		tokens:    rate,
		lastCheck: time.Now(),
		rate:      rate,
		burst:     rate,
	}
}

// Allow reports whether one more message may be accepted right now.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastCheck = now

	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}
