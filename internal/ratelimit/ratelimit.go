// Package ratelimit caps API request rates per caller with lazily
// refilled token buckets. There is no background ticker; a bucket
// catches up on elapsed time whenever its caller shows up.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config sizes the buckets.
type Config struct {
	RequestsPerMinute int // Sustained rate. 0 disables limiting entirely.
	BurstSize         int // Bucket capacity. 0 falls back to RequestsPerMinute.
}

// Limiter hands out tokens per caller name. Callers come from the API
// key table, so the bucket map stays small and is never swept.
type Limiter struct {
	rate  float64 // tokens per second
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

// bucket is one caller's balance at the moment it was last touched.
type bucket struct {
	balance float64
	touched time.Time
}

// refill advances the balance to now, capped at burst.
func (b *bucket) refill(now time.Time, rate, burst float64) {
	b.balance += now.Sub(b.touched).Seconds() * rate
	if b.balance > burst {
		b.balance = burst
	}
	b.touched = now
}

// NewLimiter creates a limiter from config. A zero RequestsPerMinute
// yields a limiter whose Allow never fails.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
	}
}

// Allow spends one token for the caller. ErrRateLimited means the
// bucket is empty right now; it refills as time passes.
func (l *Limiter) Allow(caller string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := l.buckets[caller]
	if b == nil {
		// New callers start with a full bucket.
		b = &bucket{balance: l.burst, touched: now}
		l.buckets[caller] = b
	}
	b.refill(now, l.rate, l.burst)

	if b.balance < 1 {
		return ErrRateLimited
	}
	b.balance--
	return nil
}
