package circuitbreaker

import (
	"sync"
	"time"
)

// Registry hands out one Breaker per provider, lazily, all sharing the same
// config. Breakers for providers that go quiet are reclaimed by EvictStale.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry returns an empty registry whose breakers use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for key, or nil when none has been created yet.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b := r.breakers[key]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for key, creating it on first use. The
// common hit path takes only the read lock.
func (r *Registry) GetOrCreate(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[key] = b
	return b
}

// EvictStale drops breakers idle since before cutoff and reports how many
// were removed. Candidates are gathered under the read lock; the write lock
// is held only for the deletes, re-checking LastUsed in case a breaker woke
// up in between.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var stale []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			stale = append(stale, k)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range stale {
		if b, ok := r.breakers[k]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, k)
			evicted++
		}
	}
	return evicted
}
