// Package memory implements the storage interfaces in process memory. It
// backs the "memory" storage provider: everything is lost on restart, which
// is the point for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/storage"
)

// defaultCap bounds each time-series slice; the oldest rows are dropped
// once the cap is reached.
const defaultCap = 10000

// Store implements storage.Store in memory.
type Store struct {
	mu        sync.RWMutex
	cap       int
	usage     []gateway.TokenUsageRecord
	decisions []gateway.RoutingDecision
	health    []gateway.ProviderHealth
	metrics   map[string]gateway.ModelMetrics
	logs      []gateway.RequestLog
}

var _ storage.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{cap: defaultCap, metrics: make(map[string]gateway.ModelMetrics)}
}

// InsertUsage appends usage records, dropping the oldest past capacity.
func (s *Store) InsertUsage(_ context.Context, records []gateway.TokenUsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = appendBounded(s.usage, records, s.cap)
	return nil
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(_ context.Context, f storage.UsageFilter) ([]gateway.TokenUsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []gateway.TokenUsageRecord
	for i := len(s.usage) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.usage[i]
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Model != "" && r.Model != f.Model {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !r.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// InsertDecisions appends routing decisions, dropping the oldest past capacity.
func (s *Store) InsertDecisions(_ context.Context, decisions []gateway.RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = appendBounded(s.decisions, decisions, s.cap)
	return nil
}

// RecentSelections returns the user's most recently selected model ids,
// newest first.
func (s *Store) RecentSelections(_ context.Context, userID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var out []string
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.decisions[i].UserID == userID {
			out = append(out, s.decisions[i].SelectedModel)
		}
	}
	return out, nil
}

// InsertHealthCheck appends one probe result.
func (s *Store) InsertHealthCheck(_ context.Context, h gateway.ProviderHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = appendBounded(s.health, []gateway.ProviderHealth{h}, s.cap)
	return nil
}

// LatestHealthChecks returns the most recent probe result per provider.
func (s *Store) LatestHealthChecks(_ context.Context) ([]gateway.ProviderHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]gateway.ProviderHealth)
	for _, h := range s.health {
		latest[h.Provider] = h
	}
	out := make([]gateway.ProviderHealth, 0, len(latest))
	for _, h := range latest {
		out = append(out, h)
	}
	return out, nil
}

// UpsertMetrics replaces each model's checkpoint row.
func (s *Store) UpsertMetrics(_ context.Context, metrics []gateway.ModelMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range metrics {
		s.metrics[m.Model] = m
	}
	return nil
}

// ListMetrics returns all checkpointed model metrics.
func (s *Store) ListMetrics(_ context.Context) ([]gateway.ModelMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gateway.ModelMetrics, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, m)
	}
	return out, nil
}

// InsertRequestLogs appends audit rows, dropping the oldest past capacity.
func (s *Store) InsertRequestLogs(_ context.Context, logs []gateway.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = appendBounded(s.logs, logs, s.cap)
	return nil
}

// SweepBefore deletes rows older than cutoff across all time series.
func (s *Store) SweepBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	s.usage, deleted = sweep(s.usage, deleted, func(r gateway.TokenUsageRecord) time.Time { return r.CreatedAt }, cutoff)
	s.decisions, deleted = sweep(s.decisions, deleted, func(d gateway.RoutingDecision) time.Time { return d.CreatedAt }, cutoff)
	s.health, deleted = sweep(s.health, deleted, func(h gateway.ProviderHealth) time.Time { return h.LastChecked }, cutoff)
	s.logs, deleted = sweep(s.logs, deleted, func(l gateway.RequestLog) time.Time { return l.CreatedAt }, cutoff)
	return deleted, nil
}

// Ping reports healthy; there is nothing to reach.
func (s *Store) Ping(context.Context) error { return nil }

// Close discards nothing; the process owns the data.
func (s *Store) Close() error { return nil }

func appendBounded[T any](dst []T, src []T, bound int) []T {
	dst = append(dst, src...)
	if over := len(dst) - bound; over > 0 {
		dst = dst[over:]
	}
	return dst
}

func sweep[T any](rows []T, deleted int64, at func(T) time.Time, cutoff time.Time) ([]T, int64) {
	kept := rows[:0]
	for _, r := range rows {
		if at(r).Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	return kept, deleted
}
