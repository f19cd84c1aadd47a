package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cn-equity-research/eventgov/internal/app/apperrors"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
)

func (s *Store) GetConnector(ctx context.Context, connectorName string) (connector.Connector, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, connector_name, source_name, connector_type, enabled, fetch_limit, poll_interval_minutes,
			replay_backoff_seconds, max_retry, source_matrix, failover, sla, runbook_url, created_by, note, created_at, updated_at
		FROM connectors WHERE connector_name = $1
	`, connectorName)
	return scanConnector(row)
}

func (s *Store) ListConnectors(ctx context.Context, enabledOnly bool) ([]connector.Connector, error) {
	query := `
		SELECT id, connector_name, source_name, connector_type, enabled, fetch_limit, poll_interval_minutes,
			replay_backoff_seconds, max_retry, source_matrix, failover, sla, runbook_url, created_by, note, created_at, updated_at
		FROM connectors
	`
	if enabledOnly {
		query += " WHERE enabled = true"
	}
	query += " ORDER BY connector_name"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var out []connector.Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertConnector(ctx context.Context, c connector.Connector) error {
	sourceMatrix, err := json.Marshal(c.SourceMatrix)
	if err != nil {
		return fmt.Errorf("marshal source_matrix: %w", err)
	}
	failover, err := json.Marshal(c.Failover)
	if err != nil {
		return fmt.Errorf("marshal failover: %w", err)
	}
	sla, err := json.Marshal(c.SLA)
	if err != nil {
		return fmt.Errorf("marshal sla: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connectors (connector_name, source_name, connector_type, enabled, fetch_limit, poll_interval_minutes,
			replay_backoff_seconds, max_retry, source_matrix, failover, sla, runbook_url, created_by, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (connector_name) DO UPDATE SET
			source_name = EXCLUDED.source_name,
			connector_type = EXCLUDED.connector_type,
			enabled = EXCLUDED.enabled,
			fetch_limit = EXCLUDED.fetch_limit,
			poll_interval_minutes = EXCLUDED.poll_interval_minutes,
			replay_backoff_seconds = EXCLUDED.replay_backoff_seconds,
			max_retry = EXCLUDED.max_retry,
			source_matrix = EXCLUDED.source_matrix,
			failover = EXCLUDED.failover,
			sla = EXCLUDED.sla,
			runbook_url = EXCLUDED.runbook_url,
			note = EXCLUDED.note,
			updated_at = now()
	`, c.ConnectorName, c.SourceName, c.ConnectorType, c.Enabled, c.FetchLimit, c.PollIntervalMinutes,
		c.ReplayBackoffSeconds, c.MaxRetry, sourceMatrix, failover, sla, c.RunbookURL, c.CreatedBy, c.Note)
	if err != nil {
		return fmt.Errorf("upsert connector %s: %w", c.ConnectorName, err)
	}
	return nil
}

func scanConnector(row rowScanner) (connector.Connector, error) {
	var c connector.Connector
	var sourceMatrix, failover, sla []byte

	err := row.Scan(&c.ID, &c.ConnectorName, &c.SourceName, &c.ConnectorType, &c.Enabled, &c.FetchLimit, &c.PollIntervalMinutes,
		&c.ReplayBackoffSeconds, &c.MaxRetry, &sourceMatrix, &failover, &sla, &c.RunbookURL, &c.CreatedBy, &c.Note, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return connector.Connector{}, apperrors.NotFound("connector", "")
		}
		return connector.Connector{}, fmt.Errorf("scan connector: %w", err)
	}

	if len(sourceMatrix) > 0 {
		if err := json.Unmarshal(sourceMatrix, &c.SourceMatrix); err != nil {
			return connector.Connector{}, fmt.Errorf("unmarshal source_matrix: %w", err)
		}
	}
	if len(failover) > 0 {
		if err := json.Unmarshal(failover, &c.Failover); err != nil {
			return connector.Connector{}, fmt.Errorf("unmarshal failover: %w", err)
		}
	}
	if len(sla) > 0 {
		if err := json.Unmarshal(sla, &c.SLA); err != nil {
			return connector.Connector{}, fmt.Errorf("unmarshal sla: %w", err)
		}
	}
	return c, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, connectorName string) (connector.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT connector_name, cursor, publish_time, last_run_at, last_success_at, updated_at
		FROM connector_checkpoints WHERE connector_name = $1
	`, connectorName)

	var cp connector.Checkpoint
	err := row.Scan(&cp.ConnectorName, &cp.Cursor, &cp.PublishTime, &cp.LastRunAt, &cp.LastSuccessAt, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return connector.Checkpoint{ConnectorName: connectorName}, nil
	}
	if err != nil {
		return connector.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", connectorName, err)
	}
	return cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp connector.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_checkpoints (connector_name, cursor, publish_time, last_run_at, last_success_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (connector_name) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			publish_time = EXCLUDED.publish_time,
			last_run_at = EXCLUDED.last_run_at,
			last_success_at = EXCLUDED.last_success_at,
			updated_at = now()
	`, cp.ConnectorName, cp.Cursor, cp.PublishTime, cp.LastRunAt, cp.LastSuccessAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ConnectorName, err)
	}
	return nil
}

func (s *Store) InsertRun(ctx context.Context, run connector.Run) error {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	details, err := json.Marshal(run.Details)
	if err != nil {
		return fmt.Errorf("marshal run details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connector_runs (run_id, connector_name, source_name, started_at, finished_at, status, triggered_by,
			pulled_count, normalized_count, inserted_count, updated_count, failed_count, replayed_count,
			checkpoint_before, checkpoint_after, error_message, details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, run.RunID, run.ConnectorName, run.SourceName, run.StartedAt, run.FinishedAt, run.Status, run.TriggeredBy,
		run.PulledCount, run.NormalizedCount, run.InsertedCount, run.UpdatedCount, run.FailedCount, run.ReplayedCount,
		run.CheckpointBefore, run.CheckpointAfter, run.ErrorMessage, details)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run connector.Run) error {
	details, err := json.Marshal(run.Details)
	if err != nil {
		return fmt.Errorf("marshal run details: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE connector_runs SET
			finished_at = $2, status = $3, pulled_count = $4, normalized_count = $5, inserted_count = $6,
			updated_count = $7, failed_count = $8, replayed_count = $9, checkpoint_after = $10,
			error_message = $11, details = $12
		WHERE run_id = $1
	`, run.RunID, run.FinishedAt, run.Status, run.PulledCount, run.NormalizedCount, run.InsertedCount,
		run.UpdatedCount, run.FailedCount, run.ReplayedCount, run.CheckpointAfter, run.ErrorMessage, details)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.RunID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("connector_run", run.RunID)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, connectorName string, limit int) ([]connector.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, connector_name, source_name, started_at, finished_at, status, triggered_by,
			pulled_count, normalized_count, inserted_count, updated_count, failed_count, replayed_count,
			checkpoint_before, checkpoint_after, error_message, details
		FROM connector_runs WHERE connector_name = $1 ORDER BY started_at DESC LIMIT $2
	`, connectorName, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs %s: %w", connectorName, err)
	}
	defer rows.Close()

	var out []connector.Run
	for rows.Next() {
		var run connector.Run
		var details []byte
		if err := rows.Scan(&run.RunID, &run.ConnectorName, &run.SourceName, &run.StartedAt, &run.FinishedAt, &run.Status,
			&run.TriggeredBy, &run.PulledCount, &run.NormalizedCount, &run.InsertedCount, &run.UpdatedCount,
			&run.FailedCount, &run.ReplayedCount, &run.CheckpointBefore, &run.CheckpointAfter, &run.ErrorMessage, &details); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &run.Details); err != nil {
				return nil, fmt.Errorf("unmarshal run details: %w", err)
			}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
