package infra

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when a bucket has no tokens left.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TokenBucket is a continuously-refilling token bucket. Burst capacity is
// independent of the steady-state rate.
type TokenBucket struct {
	mu sync.Mutex

	rate     float64 // tokens per second
	capacity int
	tokens   float64
	lastTime time.Time
}

// NewTokenBucket creates a bucket refilling at rate tokens per second with
// the given burst capacity. The bucket starts full.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   float64(capacity),
		lastTime: time.Now(),
	}
}

// Acquire removes one token or returns ErrRateLimitExceeded.
func (tb *TokenBucket) Acquire() error {
	return tb.AcquireN(1)
}

// AcquireN removes n tokens or returns ErrRateLimitExceeded.
func (tb *TokenBucket) AcquireN(n int) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return nil
	}
	return ErrRateLimitExceeded
}

// Available returns the current number of whole tokens.
func (tb *TokenBucket) Available() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// refill adds tokens for the time elapsed. Must be called with mu held.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.lastTime = now

	tb.tokens += elapsed * tb.rate
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
}

// RateLimiter keys token buckets by (endpoint, client) pairs.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	factory func(endpoint string) *TokenBucket
}

// NewRateLimiter creates a limiter whose buckets are built by factory, keyed
// by endpoint so different endpoints can carry different rates.
func NewRateLimiter(factory func(endpoint string) *TokenBucket) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		factory: factory,
	}
}

// Acquire takes one token from the bucket for (endpoint, client).
func (r *RateLimiter) Acquire(endpoint, client string) error {
	return r.bucket(endpoint, client).Acquire()
}

// Available returns the tokens left for (endpoint, client).
func (r *RateLimiter) Available(endpoint, client string) int {
	return r.bucket(endpoint, client).Available()
}

func (r *RateLimiter) bucket(endpoint, client string) *TokenBucket {
	key := endpoint + "|" + client

	r.mu.RLock()
	tb, ok := r.buckets[key]
	r.mu.RUnlock()
	if ok {
		return tb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tb, ok := r.buckets[key]; ok {
		return tb
	}
	tb = r.factory(endpoint)
	r.buckets[key] = tb
	return tb
}

// Keys returns all active (endpoint, client) keys.
func (r *RateLimiter) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.buckets))
	for k := range r.buckets {
		keys = append(keys, k)
	}
	return keys
}
