package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry pairs a serialized response with its own deadline, letting callers
// override the cache-wide TTL per request.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// Memory stores serialized responses in an otter W-TinyLFU cache, bounded
// by entry count.
type Memory struct {
	cache *otter.Cache[string, entry]
}

// NewMemory builds a cache holding at most maxSize entries, each expiring
// defaultTTL after being written unless Set is given a shorter TTL.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get returns the stored bytes for key. Entries past their own deadline are
// invalidated and treated as misses even if otter has not expired them yet.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		return nil, false
	}
	return e.data, true
}

// Set stores val under key with the given TTL.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	m.cache.Set(key, entry{
		data:      val,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete drops key from the cache.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
}

// Purge drops every entry.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
}
