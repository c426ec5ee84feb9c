package sqlite

import (
	"context"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

// InsertHealthCheck appends one probe result.
func (s *Store) InsertHealthCheck(ctx context.Context, h gateway.ProviderHealth) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_health_checks (provider, status, latency_ms, error, checked_at)
		 VALUES (?, ?, ?, ?, ?)`,
		h.Provider, h.Status.String(), h.LatencyMs, h.Error,
		h.LastChecked.UTC().Format(time.RFC3339))
	return err
}

// LatestHealthChecks returns the most recent probe result per provider.
func (s *Store) LatestHealthChecks(ctx context.Context) ([]gateway.ProviderHealth, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, status, latency_ms, error, checked_at
		 FROM provider_health_checks
		 WHERE id IN (SELECT MAX(id) FROM provider_health_checks GROUP BY provider)
		 ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.ProviderHealth
	for rows.Next() {
		var h gateway.ProviderHealth
		var status, checkedAt string
		if err := rows.Scan(&h.Provider, &status, &h.LatencyMs, &h.Error, &checkedAt); err != nil {
			return nil, err
		}
		h.Status = statusFromString(status)
		if t, e := time.Parse(time.RFC3339, checkedAt); e == nil {
			h.LastChecked = t
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func statusFromString(s string) gateway.HealthStatus {
	switch s {
	case "healthy":
		return gateway.HealthHealthy
	case "unhealthy":
		return gateway.HealthUnhealthy
	default:
		return gateway.HealthUnknown
	}
}
