// Package cache deduplicates identical completion requests: deterministic
// requests are keyed, stored serialized, and served back without another
// vendor call.
package cache

import (
	"context"
	"time"
)

// Cache is a byte store with per-entry TTLs. Memory is the only backend;
// the interface exists so the response cache can be tested with a fake.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Purge(ctx context.Context)
}
