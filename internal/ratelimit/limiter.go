// Package ratelimit guards LLM providers with per-provider token
// buckets and enforces the per-team spending ceiling.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket configures one provider's token bucket.
type Bucket struct {
	Capacity        int
	RefillPerSecond float64
}

// Limiter holds one token bucket per provider. Providers without a
// configured bucket are unlimited.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	caps    map[string]int
}

// NewLimiter builds the limiter from per-provider bucket configs.
func NewLimiter(buckets map[string]Bucket) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*rate.Limiter, len(buckets)),
		caps:    make(map[string]int, len(buckets)),
	}
	for provider, b := range buckets {
		l.buckets[provider] = rate.NewLimiter(rate.Limit(b.RefillPerSecond), b.Capacity)
		l.caps[provider] = b.Capacity
	}
	return l
}

// Reconfigure replaces the bucket set. Providers keep nothing across a
// swap; each configured bucket starts full.
func (l *Limiter) Reconfigure(buckets map[string]Bucket) {
	next := make(map[string]*rate.Limiter, len(buckets))
	caps := make(map[string]int, len(buckets))
	for provider, b := range buckets {
		next[provider] = rate.NewLimiter(rate.Limit(b.RefillPerSecond), b.Capacity)
		caps[provider] = b.Capacity
	}
	l.mu.Lock()
	l.buckets = next
	l.caps = caps
	l.mu.Unlock()
}

// Acquire tries to take cost tokens from the provider's bucket. On
// success it returns (0, true) with the tokens deducted; otherwise the
// wait until the earliest refill and false, without deducting anything.
func (l *Limiter) Acquire(provider string, cost int) (time.Duration, bool) {
	l.mu.RLock()
	lim := l.buckets[provider]
	capacity := l.caps[provider]
	l.mu.RUnlock()

	if lim == nil {
		return 0, true
	}
	if cost > capacity {
		// Unsatisfiable; report the time a full refill would take.
		return time.Duration(float64(capacity) / float64(lim.Limit()) * float64(time.Second)), false
	}

	now := time.Now()
	res := lim.ReserveN(now, cost)
	if !res.OK() {
		return time.Second, false
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return d, false
	}
	return 0, true
}

// Configured reports whether a provider has a bucket.
func (l *Limiter) Configured(provider string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.buckets[provider]
	return ok
}
