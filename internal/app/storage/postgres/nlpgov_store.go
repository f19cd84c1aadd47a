package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
)

func (s *Store) GetActiveRuleset(ctx context.Context) (nlpgov.Ruleset, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, created_by, note, is_active, rules, created_at
		FROM nlp_rulesets WHERE is_active = true ORDER BY created_at DESC LIMIT 1
	`)
	rs, err := scanRuleset(row)
	if err == sql.ErrNoRows {
		return nlpgov.Ruleset{}, false, nil
	}
	if err != nil {
		return nlpgov.Ruleset{}, false, err
	}
	return rs, true, nil
}

func (s *Store) ListRulesets(ctx context.Context) ([]nlpgov.Ruleset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, created_by, note, is_active, rules, created_at FROM nlp_rulesets ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rulesets: %w", err)
	}
	defer rows.Close()

	var out []nlpgov.Ruleset
	for rows.Next() {
		rs, err := scanRuleset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *Store) UpsertRuleset(ctx context.Context, rs nlpgov.Ruleset) error {
	rules, err := json.Marshal(rs.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nlp_rulesets (version, created_by, note, is_active, rules)
		VALUES ($1,$2,$3,false,$4)
		ON CONFLICT (version) DO UPDATE SET note = EXCLUDED.note, rules = EXCLUDED.rules
	`, rs.Version, rs.CreatedBy, rs.Note, rules)
	if err != nil {
		return fmt.Errorf("upsert ruleset %s: %w", rs.Version, err)
	}
	return nil
}

func (s *Store) ActivateRuleset(ctx context.Context, rs nlpgov.Ruleset) error {
	rules, err := json.Marshal(rs.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("activate ruleset: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE nlp_rulesets SET is_active = false WHERE is_active = true`); err != nil {
		return fmt.Errorf("deactivate existing rulesets: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nlp_rulesets (version, created_by, note, is_active, rules)
		VALUES ($1,$2,$3,true,$4)
		ON CONFLICT (version) DO UPDATE SET is_active = true, note = EXCLUDED.note, rules = EXCLUDED.rules
	`, rs.Version, rs.CreatedBy, rs.Note, rules)
	if err != nil {
		return fmt.Errorf("activate ruleset %s: %w", rs.Version, err)
	}

	return tx.Commit()
}

func scanRuleset(row rowScanner) (nlpgov.Ruleset, error) {
	var rs nlpgov.Ruleset
	var rules []byte
	if err := row.Scan(&rs.Version, &rs.CreatedBy, &rs.Note, &rs.IsActive, &rules, &rs.CreatedAt); err != nil {
		return nlpgov.Ruleset{}, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &rs.Rules); err != nil {
			return nlpgov.Ruleset{}, fmt.Errorf("unmarshal rules: %w", err)
		}
	}
	return rs, nil
}

func (s *Store) InsertDriftSnapshot(ctx context.Context, snap nlpgov.DriftSnapshot) (int64, error) {
	currentMetrics, err := json.Marshal(snap.CurrentMetrics)
	if err != nil {
		return 0, fmt.Errorf("marshal current metrics: %w", err)
	}
	baselineMetrics, err := json.Marshal(snap.BaselineMetrics)
	if err != nil {
		return 0, fmt.Errorf("marshal baseline metrics: %w", err)
	}
	alerts, err := json.Marshal(snap.Alerts)
	if err != nil {
		return 0, fmt.Errorf("marshal alerts: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO nlp_drift_snapshots (source_name, ruleset_version, current_window_start, current_window_end,
			baseline_window_start, baseline_window_end, sample_size, current_metrics, baseline_metrics,
			hit_rate_delta, score_p50_delta, contribution_delta, feedback_polarity_accuracy_delta,
			feedback_event_type_accuracy_delta, alerts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id
	`, snap.SourceName, snap.RulesetVersion, snap.CurrentWindow.Start, snap.CurrentWindow.End,
		snap.BaselineWindow.Start, snap.BaselineWindow.End, snap.SampleSize, currentMetrics, baselineMetrics,
		snap.HitRateDelta, snap.ScoreP50Delta, snap.ContributionDelta, snap.FeedbackPolarityAccuracyDelta,
		snap.FeedbackEventTypeAccuracyDelta, alerts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert drift snapshot: %w", err)
	}
	return id, nil
}

func (s *Store) ListDriftSnapshots(ctx context.Context, sourceName string, limit int) ([]nlpgov.DriftSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_name, ruleset_version, current_window_start, current_window_end,
			baseline_window_start, baseline_window_end, sample_size, current_metrics, baseline_metrics,
			hit_rate_delta, score_p50_delta, contribution_delta, feedback_polarity_accuracy_delta,
			feedback_event_type_accuracy_delta, alerts, created_at
		FROM nlp_drift_snapshots
		WHERE ($1 = '' OR source_name = $1)
		ORDER BY created_at DESC LIMIT $2
	`, sourceName, limit)
	if err != nil {
		return nil, fmt.Errorf("list drift snapshots: %w", err)
	}
	defer rows.Close()

	var out []nlpgov.DriftSnapshot
	for rows.Next() {
		var snap nlpgov.DriftSnapshot
		var currentMetrics, baselineMetrics, alerts []byte
		if err := rows.Scan(&snap.ID, &snap.SourceName, &snap.RulesetVersion, &snap.CurrentWindow.Start, &snap.CurrentWindow.End,
			&snap.BaselineWindow.Start, &snap.BaselineWindow.End, &snap.SampleSize, &currentMetrics, &baselineMetrics,
			&snap.HitRateDelta, &snap.ScoreP50Delta, &snap.ContributionDelta, &snap.FeedbackPolarityAccuracyDelta,
			&snap.FeedbackEventTypeAccuracyDelta, &alerts, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan drift snapshot: %w", err)
		}
		if len(currentMetrics) > 0 {
			json.Unmarshal(currentMetrics, &snap.CurrentMetrics)
		}
		if len(baselineMetrics) > 0 {
			json.Unmarshal(baselineMetrics, &snap.BaselineMetrics)
		}
		if len(alerts) > 0 {
			json.Unmarshal(alerts, &snap.Alerts)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) InsertFeedback(ctx context.Context, fb nlpgov.FeedbackEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nlp_feedback (source_name, event_id, labeler, event_type, polarity, score)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, fb.SourceName, fb.EventID, fb.Labeler, fb.EventType, fb.Polarity, fb.Score)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (s *Store) ListFeedback(ctx context.Context, sourceName, eventID string) ([]nlpgov.FeedbackEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_name, event_id, labeler, event_type, polarity, score
		FROM nlp_feedback WHERE source_name = $1 AND event_id = $2 ORDER BY id
	`, sourceName, eventID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []nlpgov.FeedbackEntry
	for rows.Next() {
		var fb nlpgov.FeedbackEntry
		if err := rows.Scan(&fb.SourceName, &fb.EventID, &fb.Labeler, &fb.EventType, &fb.Polarity, &fb.Score); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}

func (s *Store) UpsertConsensus(ctx context.Context, c nlpgov.Consensus) error {
	reasons, err := json.Marshal(c.ConflictReasons)
	if err != nil {
		return fmt.Errorf("marshal conflict reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nlp_consensus (source_name, event_id, consensus_event_type, consensus_polarity, consensus_score,
			confidence, label_count, has_conflict, conflict_reasons)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (source_name, event_id) DO UPDATE SET
			consensus_event_type = EXCLUDED.consensus_event_type,
			consensus_polarity = EXCLUDED.consensus_polarity,
			consensus_score = EXCLUDED.consensus_score,
			confidence = EXCLUDED.confidence,
			label_count = EXCLUDED.label_count,
			has_conflict = EXCLUDED.has_conflict,
			conflict_reasons = EXCLUDED.conflict_reasons
	`, c.SourceName, c.EventID, c.ConsensusEventType, c.ConsensusPolarity, c.ConsensusScore, c.Confidence,
		c.LabelCount, c.HasConflict, reasons)
	if err != nil {
		return fmt.Errorf("upsert consensus %s/%s: %w", c.SourceName, c.EventID, err)
	}
	return nil
}

func (s *Store) GetConsensus(ctx context.Context, sourceName, eventID string) (nlpgov.Consensus, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_name, event_id, consensus_event_type, consensus_polarity, consensus_score, confidence,
			label_count, has_conflict, conflict_reasons
		FROM nlp_consensus WHERE source_name = $1 AND event_id = $2
	`, sourceName, eventID)

	var c nlpgov.Consensus
	var reasons []byte
	err := row.Scan(&c.SourceName, &c.EventID, &c.ConsensusEventType, &c.ConsensusPolarity, &c.ConsensusScore,
		&c.Confidence, &c.LabelCount, &c.HasConflict, &reasons)
	if err == sql.ErrNoRows {
		return nlpgov.Consensus{}, false, nil
	}
	if err != nil {
		return nlpgov.Consensus{}, false, fmt.Errorf("get consensus %s/%s: %w", sourceName, eventID, err)
	}
	if len(reasons) > 0 {
		json.Unmarshal(reasons, &c.ConflictReasons)
	}
	return c, true, nil
}
