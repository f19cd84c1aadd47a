package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/apperrors"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
)

func (s *Store) InsertFailure(ctx context.Context, f connector.Failure) (int64, error) {
	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal failure payload: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO connector_failures (connector_name, source_name, run_id, status, retry_count, next_retry_at, last_error, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, f.ConnectorName, f.SourceName, f.RunID, f.Status, f.RetryCount, f.NextRetryAt, f.LastError, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert failure: %w", err)
	}
	return id, nil
}

func (s *Store) GetFailure(ctx context.Context, id int64) (connector.Failure, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, connector_name, source_name, run_id, status, retry_count, next_retry_at, last_error, payload
		FROM connector_failures WHERE id = $1
	`, id)
	return scanFailure(row)
}

func (s *Store) ListDueFailures(ctx context.Context, now time.Time, limit int) ([]connector.Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connector_name, source_name, run_id, status, retry_count, next_retry_at, last_error, payload
		FROM connector_failures
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY id ASC LIMIT $3
	`, connector.FailurePending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due failures: %w", err)
	}
	defer rows.Close()
	return scanFailures(rows)
}

func (s *Store) ListFailuresByStatus(ctx context.Context, status connector.FailureStatus, limit int) ([]connector.Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connector_name, source_name, run_id, status, retry_count, next_retry_at, last_error, payload
		FROM connector_failures WHERE status = $1 ORDER BY id ASC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list failures by status: %w", err)
	}
	defer rows.Close()
	return scanFailures(rows)
}

func (s *Store) UpdateFailure(ctx context.Context, f connector.Failure) error {
	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return fmt.Errorf("marshal failure payload: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE connector_failures SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, payload = $6
		WHERE id = $1
	`, f.ID, f.Status, f.RetryCount, f.NextRetryAt, f.LastError, payload)
	if err != nil {
		return fmt.Errorf("update failure %d: %w", f.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("connector_failure", fmt.Sprintf("%d", f.ID))
	}
	return nil
}

func scanFailures(rows *sql.Rows) ([]connector.Failure, error) {
	var out []connector.Failure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFailure(row rowScanner) (connector.Failure, error) {
	var f connector.Failure
	var payload []byte

	err := row.Scan(&f.ID, &f.ConnectorName, &f.SourceName, &f.RunID, &f.Status, &f.RetryCount, &f.NextRetryAt, &f.LastError, &payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return connector.Failure{}, apperrors.NotFound("connector_failure", "")
		}
		return connector.Failure{}, fmt.Errorf("scan failure: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &f.Payload); err != nil {
			return connector.Failure{}, fmt.Errorf("unmarshal failure payload: %w", err)
		}
	}
	return f, nil
}
