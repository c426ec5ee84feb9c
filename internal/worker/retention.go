package worker

import (
	"context"
	"log/slog"
	"time"
)

const sweepInterval = time.Hour

// SweepStore is the persistence interface consumed by RetentionSweeper.
type SweepStore interface {
	SweepBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionSweeper periodically deletes time-series rows older than the
// configured retention period.
type RetentionSweeper struct {
	store     SweepStore
	retention time.Duration
	interval  time.Duration

	now func() time.Time
}

// NewRetentionSweeper creates a sweeper that keeps rows for retention.
func NewRetentionSweeper(store SweepStore, retention time.Duration) *RetentionSweeper {
	return &RetentionSweeper{
		store:     store,
		retention: retention,
		interval:  sweepInterval,
		now:       time.Now,
	}
}

// Name returns the worker identifier.
func (w *RetentionSweeper) Name() string { return "retention_sweeper" }

// Run sweeps once at start, then hourly until ctx is cancelled.
func (w *RetentionSweeper) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *RetentionSweeper) sweep(ctx context.Context) {
	cutoff := w.now().Add(-w.retention)
	n, err := w.store.SweepBefore(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retention sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		slog.Info("retention sweep completed", "deleted", n)
	}
}
