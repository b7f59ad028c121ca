package scheduler

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

// RateLimiter defines the interface for rate limiting.
type RateLimiter interface {
	Allow(key string) bool
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucketLimiter implements RateLimiter with one token bucket per key
// (the agent hub keys by remote address).
type TokenBucketLimiter struct {
	buckets map[string]*bucket
	mu      sync.Mutex
	r       rate.Limit
	b       int
	clock   clock.Clock
}

// NewTokenBucketLimiter creates a new limiter with rate r tokens per
// second and burst b. A non-positive r disables limiting.
func NewTokenBucketLimiter(r float64, b int, clk clock.Clock) *TokenBucketLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	return &TokenBucketLimiter{
		buckets: make(map[string]*bucket),
		r:       limit,
		b:       b,
		clock:   clk,
	}
}

// Allow checks if the key is allowed to proceed.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	bk, exists := l.buckets[key]
	if !exists {
		bk = &bucket{limiter: rate.NewLimiter(l.r, l.b)}
		l.buckets[key] = bk
	}
	bk.lastSeen = now
	return bk.limiter.AllowN(now, 1)
}

// Reserve reports whether key may proceed now and, if not, how long it
// would have to wait. No token is consumed.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	bk, exists := l.buckets[key]
	if !exists {
		return true, 0
	}
	r := bk.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	if delay > 0 {
		return false, delay
	}
	return true, 0
}

// Prune forgets keys not seen for idle and returns how many were dropped.
func (l *TokenBucketLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-idle)
	dropped := 0
	for key, bk := range l.buckets {
		if bk.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked keys.
func (l *TokenBucketLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
