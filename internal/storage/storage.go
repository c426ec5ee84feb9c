// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

// UsageStore persists token usage events.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.TokenUsageRecord) error
	QueryUsage(ctx context.Context, f UsageFilter) ([]gateway.TokenUsageRecord, error)
}

// RoutingStore persists routing decisions and serves selection history.
type RoutingStore interface {
	InsertDecisions(ctx context.Context, decisions []gateway.RoutingDecision) error
	// RecentSelections returns the selected model ids of the user's most
	// recent decisions, newest first.
	RecentSelections(ctx context.Context, userID string, limit int) ([]string, error)
}

// HealthStore persists provider health probe results.
type HealthStore interface {
	InsertHealthCheck(ctx context.Context, h gateway.ProviderHealth) error
	LatestHealthChecks(ctx context.Context) ([]gateway.ProviderHealth, error)
}

// MetricsStore checkpoints rolling model metrics.
type MetricsStore interface {
	UpsertMetrics(ctx context.Context, metrics []gateway.ModelMetrics) error
	ListMetrics(ctx context.Context) ([]gateway.ModelMetrics, error)
}

// RequestLogStore persists per-request audit rows.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, logs []gateway.RequestLog) error
}

// UsageFilter narrows QueryUsage results. Zero fields match everything.
type UsageFilter struct {
	UserID string
	Model  string
	Since  time.Time
	Until  time.Time
	Limit  int // default 50
}

// Store combines all storage interfaces.
type Store interface {
	UsageStore
	RoutingStore
	HealthStore
	MetricsStore
	RequestLogStore
	// SweepBefore deletes time-series rows older than cutoff across usage,
	// routing, health, and request-log tables. It returns rows deleted.
	SweepBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
