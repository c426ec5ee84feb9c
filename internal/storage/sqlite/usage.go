package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/storage"
)

// InsertUsage batch-inserts token usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.TokenUsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 9
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.UserID, r.Model, r.Provider,
			r.PromptTokens, r.CompletionTokens,
			r.RequestType, r.RequestID,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO token_usage
		(id, user_id, model, provider, prompt_tokens, completion_tokens,
		 request_type, request_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f storage.UsageFilter) ([]gateway.TokenUsageRecord, error) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, model, provider, prompt_tokens, completion_tokens,
		 request_type, request_id, created_at
		 FROM token_usage`+where+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.TokenUsageRecord
	for rows.Next() {
		var r gateway.TokenUsageRecord
		var createdAt string
		err := rows.Scan(&r.ID, &r.UserID, &r.Model, &r.Provider,
			&r.PromptTokens, &r.CompletionTokens,
			&r.RequestType, &r.RequestID, &createdAt)
		if err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SweepBefore deletes time-series rows older than cutoff across all tables.
// model_metrics is a checkpoint keyed by model, not a time series, so it is
// left alone.
func (s *Store) SweepBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339)
	var total int64
	for _, table := range []string{"token_usage", "routing_history", "provider_health_checks", "request_logs"} {
		col := "created_at"
		if table == "provider_health_checks" {
			col = "checked_at"
		}
		res, err := s.write.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+col+" < ?", ts)
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
