package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

const (
	decisionChanSize   = 1000
	decisionBatchSize  = 100
	decisionFlushEvery = 5 * time.Second
	decisionDrainTime  = 30 * time.Second
)

// DecisionStore is the persistence interface consumed by DecisionRecorder.
type DecisionStore interface {
	InsertDecisions(ctx context.Context, decisions []gateway.RoutingDecision) error
}

// DecisionRecorder buffers routing decisions and batch-flushes them to the
// store. Decisions arrive with ids already assigned; the recorder only
// batches. Drops on full channel like UsageRecorder.
type DecisionRecorder struct {
	ch    chan gateway.RoutingDecision
	store DecisionStore
}

// NewDecisionRecorder creates a DecisionRecorder backed by store.
func NewDecisionRecorder(store DecisionStore) *DecisionRecorder {
	return &DecisionRecorder{
		ch:    make(chan gateway.RoutingDecision, decisionChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (d *DecisionRecorder) Name() string { return "decision_recorder" }

// RecordDecision enqueues a routing decision. It never blocks; drops on full
// channel.
func (d *DecisionRecorder) RecordDecision(dec gateway.RoutingDecision) {
	select {
	case d.ch <- dec:
	default:
		slog.Warn("routing decision dropped, channel full")
	}
}

// Run processes decisions until ctx is cancelled, then drains the channel.
func (d *DecisionRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(decisionFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.RoutingDecision, 0, decisionBatchSize)

	for {
		select {
		case dec := <-d.ch:
			buf = append(buf, dec)
			if len(buf) >= decisionBatchSize {
				d.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				d.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			d.drain(buf)
			return nil
		}
	}
}

func (d *DecisionRecorder) drain(buf []gateway.RoutingDecision) {
	ctx, cancel := context.WithTimeout(context.Background(), decisionDrainTime)
	defer cancel()

	for {
		select {
		case dec := <-d.ch:
			buf = append(buf, dec)
			if len(buf) >= decisionBatchSize {
				d.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				d.flush(ctx, buf)
			}
			return
		}
	}
}

func (d *DecisionRecorder) flush(ctx context.Context, buf []gateway.RoutingDecision) {
	batch := make([]gateway.RoutingDecision, len(buf))
	copy(batch, buf)

	if err := d.store.InsertDecisions(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "decision flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
