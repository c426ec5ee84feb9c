package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

// InsertDecisions batch-inserts routing decisions.
func (s *Store) InsertDecisions(ctx context.Context, decisions []gateway.RoutingDecision) error {
	if len(decisions) == 0 {
		return nil
	}

	const cols = 11
	placeholders := make([]string, len(decisions))
	args := make([]any, 0, len(decisions)*cols)

	for i, d := range decisions {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			d.ID, d.OriginalModel, d.SelectedModel, string(d.Strategy),
			d.UserID, d.RequestDigest, d.EstimatedPromptTokens,
			boolToInt(d.Fallback), d.FallbackReason, d.LatencyMs,
			d.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO routing_history
		(id, original_model, selected_model, strategy, user_id, request_digest,
		 estimated_prompt_tokens, is_fallback, fallback_reason, latency_ms, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// RecentSelections returns the user's most recently selected model ids,
// newest first.
func (s *Store) RecentSelections(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT selected_model FROM routing_history
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var model string
		if err := rows.Scan(&model); err != nil {
			return nil, err
		}
		out = append(out, model)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
