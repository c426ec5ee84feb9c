package sqlite

import (
	"context"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

// UpsertMetrics checkpoints model metrics, replacing each model's row.
func (s *Store) UpsertMetrics(ctx context.Context, metrics []gateway.ModelMetrics) error {
	if len(metrics) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO model_metrics (model, provider, avg_latency_ms, success_count,
		 error_count, throughput_per_minute, avg_cost_per_request, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
		 provider = excluded.provider,
		 avg_latency_ms = excluded.avg_latency_ms,
		 success_count = excluded.success_count,
		 error_count = excluded.error_count,
		 throughput_per_minute = excluded.throughput_per_minute,
		 avg_cost_per_request = excluded.avg_cost_per_request,
		 last_updated = excluded.last_updated`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx,
			m.Model, m.Provider, m.AvgLatencyMs, m.SuccessCount,
			m.ErrorCount, m.ThroughputPerMinute, m.AvgCostPerRequest,
			m.LastUpdated.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMetrics returns all checkpointed model metrics, sorted by model id.
func (s *Store) ListMetrics(ctx context.Context) ([]gateway.ModelMetrics, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT model, provider, avg_latency_ms, success_count, error_count,
		 throughput_per_minute, avg_cost_per_request, last_updated
		 FROM model_metrics ORDER BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.ModelMetrics
	for rows.Next() {
		var m gateway.ModelMetrics
		var lastUpdated string
		err := rows.Scan(&m.Model, &m.Provider, &m.AvgLatencyMs, &m.SuccessCount,
			&m.ErrorCount, &m.ThroughputPerMinute, &m.AvgCostPerRequest, &lastUpdated)
		if err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, lastUpdated); e == nil {
			m.LastUpdated = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
