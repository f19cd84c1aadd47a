package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/cn-equity-research/eventgov/internal/app/apperrors"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
)

func (s *Store) RegisterSource(ctx context.Context, src event.Source) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_sources (source_name, source_type, provider, timezone, ingestion_lag_minutes, reliability_score, created_by, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (source_name) DO UPDATE SET
			source_type = EXCLUDED.source_type,
			provider = EXCLUDED.provider,
			timezone = EXCLUDED.timezone,
			ingestion_lag_minutes = EXCLUDED.ingestion_lag_minutes,
			reliability_score = EXCLUDED.reliability_score,
			note = EXCLUDED.note,
			updated_at = now()
	`, src.SourceName, src.SourceType, src.Provider, src.Timezone, src.IngestionLagMinutes, src.ReliabilityScore, src.CreatedBy, src.Note)
	if err != nil {
		return fmt.Errorf("register source %s: %w", src.SourceName, err)
	}
	return nil
}

func (s *Store) GetSource(ctx context.Context, sourceName string) (event.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_name, source_type, provider, timezone, ingestion_lag_minutes, reliability_score, created_by, note, created_at, updated_at
		FROM event_sources WHERE source_name = $1
	`, sourceName)

	var src event.Source
	if err := row.Scan(&src.SourceName, &src.SourceType, &src.Provider, &src.Timezone, &src.IngestionLagMinutes,
		&src.ReliabilityScore, &src.CreatedBy, &src.Note, &src.CreatedAt, &src.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return event.Source{}, apperrors.NotFound("event_source", sourceName)
		}
		return event.Source{}, fmt.Errorf("get source %s: %w", sourceName, err)
	}
	return src, nil
}

func (s *Store) ListSources(ctx context.Context) ([]event.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_name, source_type, provider, timezone, ingestion_lag_minutes, reliability_score, created_by, note, created_at, updated_at
		FROM event_sources ORDER BY source_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []event.Source
	for rows.Next() {
		var src event.Source
		if err := rows.Scan(&src.SourceName, &src.SourceType, &src.Provider, &src.Timezone, &src.IngestionLagMinutes,
			&src.ReliabilityScore, &src.CreatedBy, &src.Note, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) IngestRecords(ctx context.Context, records []event.Record) (event.IngestResult, error) {
	result := event.IngestResult{}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("ingest records: begin tx: %w", err)
	}
	defer tx.Rollback()

	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors, event.IngestRowError{Index: i, Message: err.Error()})
			continue
		}

		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			result.Errors = append(result.Errors, event.IngestRowError{Index: i, Message: "marshal metadata: " + err.Error()})
			continue
		}

		var inserted bool
		row := tx.QueryRowContext(ctx, `
			INSERT INTO event_records (source_name, event_id, symbol, event_type, publish_time, effective_time, polarity, score, confidence, title, summary, raw_ref, tags, metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (source_name, event_id) DO UPDATE SET
				symbol = EXCLUDED.symbol,
				event_type = EXCLUDED.event_type,
				publish_time = EXCLUDED.publish_time,
				effective_time = EXCLUDED.effective_time,
				polarity = EXCLUDED.polarity,
				score = EXCLUDED.score,
				confidence = EXCLUDED.confidence,
				title = EXCLUDED.title,
				summary = EXCLUDED.summary,
				raw_ref = EXCLUDED.raw_ref,
				tags = EXCLUDED.tags,
				metadata = EXCLUDED.metadata,
				updated_at = now()
			RETURNING (xmax = 0)
		`, rec.SourceName, rec.EventID, rec.Symbol, rec.EventType, rec.PublishTime, rec.EffectiveTime,
			rec.Polarity, rec.Score, rec.Confidence, rec.Title, rec.Summary, rec.RawRef, pq.Array(rec.Tags), metadata)

		if err := row.Scan(&inserted); err != nil {
			result.Errors = append(result.Errors, event.IngestRowError{Index: i, Message: err.Error()})
			continue
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("ingest records: commit: %w", err)
	}
	return result, nil
}

func (s *Store) GetRecord(ctx context.Context, sourceName, eventID string) (event.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_name, event_id, symbol, event_type, publish_time, effective_time, polarity, score, confidence, title, summary, raw_ref, tags, metadata
		FROM event_records WHERE source_name = $1 AND event_id = $2
	`, sourceName, eventID)
	return scanRecord(row)
}

func (s *Store) ListRecords(ctx context.Context, filter event.ListFilter) ([]event.Record, error) {
	query := `
		SELECT id, source_name, event_id, symbol, event_type, publish_time, effective_time, polarity, score, confidence, title, summary, raw_ref, tags, metadata
		FROM event_records WHERE 1=1
	`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Symbol != "" {
		query += " AND symbol = " + arg(filter.Symbol)
	}
	if filter.SourceName != "" {
		query += " AND source_name = " + arg(filter.SourceName)
	}
	if filter.EventType != "" {
		query += " AND event_type = " + arg(filter.EventType)
	}
	if filter.Start != nil {
		query += " AND publish_time >= " + arg(*filter.Start)
	}
	if filter.End != nil {
		query += " AND publish_time <= " + arg(*filter.End)
	}
	query += " ORDER BY publish_time ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows for scanRecord.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (event.Record, error) {
	var rec event.Record
	var metadata []byte
	var tags pq.StringArray

	err := row.Scan(&rec.ID, &rec.SourceName, &rec.EventID, &rec.Symbol, &rec.EventType, &rec.PublishTime,
		&rec.EffectiveTime, &rec.Polarity, &rec.Score, &rec.Confidence, &rec.Title, &rec.Summary, &rec.RawRef, &tags, &metadata)
	if err != nil {
		if err == sql.ErrNoRows {
			return event.Record{}, apperrors.NotFound("event_record", "")
		}
		return event.Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Tags = []string(tags)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return event.Record{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}
