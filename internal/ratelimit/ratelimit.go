// Package ratelimit implements per-credential request rate limiting with
// lazy-refill token buckets and a bounded wait queue.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limits holds the effective bucket parameters for a credential.
// A TokenLimit of 0 means unlimited.
type Limits struct {
	TokenLimit      int64 // bucket capacity
	TokensPerPeriod int64 // tokens replenished per period
	PeriodSeconds   int   // replenishment period
	QueueLimit      int   // max callers waiting for a token; 0 disables queueing
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limits Limits) *bucket {
	period := limits.PeriodSeconds
	if period <= 0 {
		period = 60
	}
	return &bucket{
		tokens:   float64(limits.TokenLimit),
		max:      float64(limits.TokenLimit),
		rate:     float64(limits.TokensPerPeriod) / float64(period),
		lastFill: time.Now(),
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume attempts to consume n tokens.
func (b *bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return 0, false
}

// retryAfter returns seconds until n tokens are available.
func (b *bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	if b.rate <= 0 {
		return 0
	}
	return (n - b.tokens) / b.rate
}

// Limiter is the token bucket for a single credential.
type Limiter struct {
	mu       sync.Mutex
	bucket   *bucket // nil if unlimited
	limits   Limits
	waiting  int
	lastUsed time.Time
}

func newLimiter(limits Limits) *Limiter {
	l := &Limiter{limits: limits, lastUsed: time.Now()}
	if limits.TokenLimit > 0 {
		l.bucket = newBucket(limits)
	}
	return l
}

// Allow consumes one token without waiting.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.bucket == nil {
		return Result{Allowed: true}
	}

	remaining, ok := l.bucket.tryConsume(1, now)
	if ok {
		return Result{Allowed: true, Limit: l.limits.TokenLimit, Remaining: remaining}
	}
	return Result{
		Allowed:           false,
		Limit:             l.limits.TokenLimit,
		RetryAfterSeconds: l.bucket.retryAfter(1),
	}
}

// Acquire consumes one token, waiting for a refill when the bucket is empty
// and the wait queue has room. The wait is bounded by ctx.
func (l *Limiter) Acquire(ctx context.Context) Result {
	res := l.Allow()
	if res.Allowed || res.RetryAfterSeconds <= 0 {
		return res
	}

	l.mu.Lock()
	if l.waiting >= l.limits.QueueLimit {
		l.mu.Unlock()
		return res
	}
	l.waiting++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiting--
		l.mu.Unlock()
	}()

	timer := time.NewTimer(time.Duration(res.RetryAfterSeconds * float64(time.Second)))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return res
		case <-timer.C:
		}
		if next := l.Allow(); next.Allowed {
			return next
		}
		// Lost the race to another waiter; back off one token interval.
		l.mu.Lock()
		wait := l.bucket.retryAfter(1)
		l.mu.Unlock()
		timer.Reset(time.Duration(wait * float64(time.Second)))
	}
}

// Snapshot returns current state without consuming.
func (l *Limiter) Snapshot() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bucket == nil {
		return Result{Allowed: true}
	}
	l.bucket.refill(time.Now())
	return Result{
		Allowed:   true,
		Limit:     l.limits.TokenLimit,
		Remaining: int64(l.bucket.tokens),
	}
}

// Registry manages per-credential Limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
	}
}

// GetOrCreate returns the limiter for keyID, creating one if needed.
// If the key's limits have changed, a new limiter is created.
func (r *Registry) GetOrCreate(keyID string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[keyID]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok := r.limiters[keyID]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits)
	r.limiters[keyID] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
