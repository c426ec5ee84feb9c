package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

const checkpointInterval = time.Minute

// MetricsSource provides the current rolling metrics.
type MetricsSource interface {
	Snapshot() []gateway.ModelMetrics
}

// CheckpointStore is the persistence interface consumed by MetricsCheckpointer.
type CheckpointStore interface {
	UpsertMetrics(ctx context.Context, metrics []gateway.ModelMetrics) error
}

// MetricsCheckpointer periodically persists the in-memory metrics sink so
// aggregates survive restarts for reporting. The sink itself stays the
// routing source of truth.
type MetricsCheckpointer struct {
	source   MetricsSource
	store    CheckpointStore
	interval time.Duration
}

// NewMetricsCheckpointer creates a checkpointer for source backed by store.
func NewMetricsCheckpointer(source MetricsSource, store CheckpointStore) *MetricsCheckpointer {
	return &MetricsCheckpointer{source: source, store: store, interval: checkpointInterval}
}

// Name returns the worker identifier.
func (w *MetricsCheckpointer) Name() string { return "metrics_checkpointer" }

// Run checkpoints every interval until ctx is cancelled, then writes one
// final checkpoint.
func (w *MetricsCheckpointer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.checkpoint(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.checkpoint(final)
			cancel()
			return nil
		}
	}
}

func (w *MetricsCheckpointer) checkpoint(ctx context.Context) {
	snap := w.source.Snapshot()
	if len(snap) == 0 {
		return
	}
	if err := w.store.UpsertMetrics(ctx, snap); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "metrics checkpoint failed",
			slog.Int("models", len(snap)),
			slog.String("error", err.Error()),
		)
	}
}
