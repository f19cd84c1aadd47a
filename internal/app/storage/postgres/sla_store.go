package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
)

func (s *Store) GetAlertState(ctx context.Context, dedupeKey string) (connector.AlertState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT dedupe_key, connector_name, breach_type, severity, stage, first_seen_at, last_seen_at,
			last_emitted_at, last_recovered_at, last_escalated_at, repeat_count, escalation_level,
			escalation_reason, is_open, message
		FROM sla_alert_states WHERE dedupe_key = $1
	`, dedupeKey)

	var st connector.AlertState
	err := row.Scan(&st.DedupeKey, &st.ConnectorName, &st.BreachType, &st.Severity, &st.Stage, &st.FirstSeenAt,
		&st.LastSeenAt, &st.LastEmittedAt, &st.LastRecoveredAt, &st.LastEscalatedAt, &st.RepeatCount,
		&st.EscalationLevel, &st.EscalationReason, &st.IsOpen, &st.Message)
	if err == sql.ErrNoRows {
		return connector.AlertState{}, false, nil
	}
	if err != nil {
		return connector.AlertState{}, false, fmt.Errorf("get alert state %s: %w", dedupeKey, err)
	}
	return st, true, nil
}

func (s *Store) UpsertAlertState(ctx context.Context, st connector.AlertState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sla_alert_states (dedupe_key, connector_name, breach_type, severity, stage, first_seen_at,
			last_seen_at, last_emitted_at, last_recovered_at, last_escalated_at, repeat_count, escalation_level,
			escalation_reason, is_open, message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			severity = EXCLUDED.severity,
			stage = EXCLUDED.stage,
			last_seen_at = EXCLUDED.last_seen_at,
			last_emitted_at = EXCLUDED.last_emitted_at,
			last_recovered_at = EXCLUDED.last_recovered_at,
			last_escalated_at = EXCLUDED.last_escalated_at,
			repeat_count = EXCLUDED.repeat_count,
			escalation_level = EXCLUDED.escalation_level,
			escalation_reason = EXCLUDED.escalation_reason,
			is_open = EXCLUDED.is_open,
			message = EXCLUDED.message
	`, st.DedupeKey, st.ConnectorName, st.BreachType, st.Severity, st.Stage, st.FirstSeenAt, st.LastSeenAt,
		st.LastEmittedAt, st.LastRecoveredAt, st.LastEscalatedAt, st.RepeatCount, st.EscalationLevel,
		st.EscalationReason, st.IsOpen, st.Message)
	if err != nil {
		return fmt.Errorf("upsert alert state %s: %w", st.DedupeKey, err)
	}
	return nil
}

func (s *Store) ListOpenAlertStates(ctx context.Context) ([]connector.AlertState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dedupe_key, connector_name, breach_type, severity, stage, first_seen_at, last_seen_at,
			last_emitted_at, last_recovered_at, last_escalated_at, repeat_count, escalation_level,
			escalation_reason, is_open, message
		FROM sla_alert_states WHERE is_open = true ORDER BY dedupe_key
	`)
	if err != nil {
		return nil, fmt.Errorf("list open alert states: %w", err)
	}
	defer rows.Close()

	var out []connector.AlertState
	for rows.Next() {
		var st connector.AlertState
		if err := rows.Scan(&st.DedupeKey, &st.ConnectorName, &st.BreachType, &st.Severity, &st.Stage, &st.FirstSeenAt,
			&st.LastSeenAt, &st.LastEmittedAt, &st.LastRecoveredAt, &st.LastEscalatedAt, &st.RepeatCount,
			&st.EscalationLevel, &st.EscalationReason, &st.IsOpen, &st.Message); err != nil {
			return nil, fmt.Errorf("scan alert state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) InsertHistory(ctx context.Context, h connector.HistoryPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sla_history (observed_at, connector_name, source_name, breach_type, severity, stage,
			freshness_minutes, pending_failures, dead_failures, message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, h.ObservedAt, h.ConnectorName, h.SourceName, h.BreachType, h.Severity, h.Stage, h.FreshnessMinutes,
		h.PendingFailures, h.DeadFailures, h.Message)
	if err != nil {
		return fmt.Errorf("insert sla history: %w", err)
	}
	return nil
}
