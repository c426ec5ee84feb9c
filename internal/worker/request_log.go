package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/relaymux/relay/internal"
)

const (
	logChanSize   = 1000
	logBatchSize  = 100
	logFlushEvery = 5 * time.Second
	logDrainTime  = 30 * time.Second
)

// RequestLogStore is the persistence interface consumed by RequestLogRecorder.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, logs []gateway.RequestLog) error
}

// RequestLogRecorder buffers request audit rows and batch-flushes them to
// the store. Drops on full channel like UsageRecorder.
type RequestLogRecorder struct {
	ch    chan gateway.RequestLog
	store RequestLogStore
}

// NewRequestLogRecorder creates a RequestLogRecorder backed by store.
func NewRequestLogRecorder(store RequestLogStore) *RequestLogRecorder {
	return &RequestLogRecorder{
		ch:    make(chan gateway.RequestLog, logChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (l *RequestLogRecorder) Name() string { return "request_log_recorder" }

// RecordLog enqueues an audit row. It never blocks; drops on full channel.
func (l *RequestLogRecorder) RecordLog(row gateway.RequestLog) {
	select {
	case l.ch <- row:
	default:
		slog.Warn("request log dropped, channel full")
	}
}

// Run processes rows until ctx is cancelled, then drains the channel.
func (l *RequestLogRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(logFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.RequestLog, 0, logBatchSize)

	for {
		select {
		case row := <-l.ch:
			buf = append(buf, row)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			l.drain(buf)
			return nil
		}
	}
}

func (l *RequestLogRecorder) drain(buf []gateway.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()

	for {
		select {
		case row := <-l.ch:
			buf = append(buf, row)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				l.flush(ctx, buf)
			}
			return
		}
	}
}

func (l *RequestLogRecorder) flush(ctx context.Context, buf []gateway.RequestLog) {
	batch := make([]gateway.RequestLog, len(buf))
	copy(batch, buf)

	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := l.store.InsertRequestLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
