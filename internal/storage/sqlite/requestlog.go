package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

// InsertRequestLogs batch-inserts request audit rows.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []gateway.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	const cols = 8
	placeholders := make([]string, len(logs))
	args := make([]any, 0, len(logs)*cols)

	for i, l := range logs {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			l.ID, l.RequestID, l.UserID, l.Model,
			l.Path, l.StatusCode, l.LatencyMs,
			l.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO request_logs
		(id, request_id, user_id, model, path, status_code, latency_ms, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}
