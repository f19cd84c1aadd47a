package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
)

func (s *Store) GetSourceStates(ctx context.Context, connectorName string) ([]connector.SourceState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connector_name, source_key, connector_type, priority, enabled, health_score, consecutive_failures,
			total_success, total_failures, last_latency_ms, last_error, last_attempt_at, last_success_at, last_failure_at,
			checkpoint_cursor, checkpoint_publish, is_active
		FROM source_states WHERE connector_name = $1 ORDER BY source_key
	`, connectorName)
	if err != nil {
		return nil, fmt.Errorf("get source states %s: %w", connectorName, err)
	}
	defer rows.Close()

	var out []connector.SourceState
	for rows.Next() {
		var st connector.SourceState
		if err := rows.Scan(&st.ConnectorName, &st.SourceKey, &st.ConnectorType, &st.Priority, &st.Enabled, &st.HealthScore,
			&st.ConsecutiveFailures, &st.TotalSuccess, &st.TotalFailures, &st.LastLatencyMs, &st.LastError,
			&st.LastAttemptAt, &st.LastSuccessAt, &st.LastFailureAt, &st.CheckpointCursor, &st.CheckpointPublish, &st.IsActive); err != nil {
			return nil, fmt.Errorf("scan source state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSourceState(ctx context.Context, st connector.SourceState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_states (connector_name, source_key, connector_type, priority, enabled, health_score,
			consecutive_failures, total_success, total_failures, last_latency_ms, last_error, last_attempt_at,
			last_success_at, last_failure_at, checkpoint_cursor, checkpoint_publish, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (connector_name, source_key) DO UPDATE SET
			connector_type = EXCLUDED.connector_type,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			health_score = EXCLUDED.health_score,
			consecutive_failures = EXCLUDED.consecutive_failures,
			total_success = EXCLUDED.total_success,
			total_failures = EXCLUDED.total_failures,
			last_latency_ms = EXCLUDED.last_latency_ms,
			last_error = EXCLUDED.last_error,
			last_attempt_at = EXCLUDED.last_attempt_at,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at,
			checkpoint_cursor = EXCLUDED.checkpoint_cursor,
			checkpoint_publish = EXCLUDED.checkpoint_publish,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, st.ConnectorName, st.SourceKey, st.ConnectorType, st.Priority, st.Enabled, st.HealthScore, st.ConsecutiveFailures,
		st.TotalSuccess, st.TotalFailures, st.LastLatencyMs, st.LastError, st.LastAttemptAt, st.LastSuccessAt,
		st.LastFailureAt, st.CheckpointCursor, st.CheckpointPublish, st.IsActive)
	if err != nil {
		return fmt.Errorf("upsert source state %s/%s: %w", st.ConnectorName, st.SourceKey, err)
	}
	return nil
}

func (s *Store) GetBudgetUsage(ctx context.Context, connectorName, sourceKey string, windowHour time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT request_count FROM source_budgets WHERE connector_name = $1 AND source_key = $2 AND window_hour = $3
	`, connectorName, sourceKey, windowHour.UTC().Truncate(time.Hour)).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get budget usage %s/%s: %w", connectorName, sourceKey, err)
	}
	return count, nil
}

func (s *Store) IncrementBudgetUsage(ctx context.Context, connectorName, sourceKey string, windowHour time.Time, delta int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO source_budgets (connector_name, source_key, window_hour, request_count)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (connector_name, source_key, window_hour) DO UPDATE SET request_count = source_budgets.request_count + $4
		RETURNING request_count
	`, connectorName, sourceKey, windowHour.UTC().Truncate(time.Hour), delta).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment budget usage %s/%s: %w", connectorName, sourceKey, err)
	}
	return count, nil
}

func (s *Store) GetCredentialCursor(ctx context.Context, connectorName, sourceKey string) (int, error) {
	var cursor int
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor FROM source_credential_cursors WHERE connector_name = $1 AND source_key = $2
	`, connectorName, sourceKey).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get credential cursor %s/%s: %w", connectorName, sourceKey, err)
	}
	return cursor, nil
}

func (s *Store) AdvanceCredentialCursor(ctx context.Context, connectorName, sourceKey string, aliasCount int) (int, error) {
	if aliasCount <= 0 {
		aliasCount = 1
	}
	var cursor int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO source_credential_cursors (connector_name, source_key, cursor)
		VALUES ($1,$2,1 % $3)
		ON CONFLICT (connector_name, source_key) DO UPDATE SET cursor = (source_credential_cursors.cursor + 1) % $3
		RETURNING cursor
	`, connectorName, sourceKey, aliasCount).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("advance credential cursor %s/%s: %w", connectorName, sourceKey, err)
	}
	return cursor, nil
}
