package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestRegisterSourceUpsertsViaOnConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO event_sources`).
		WithArgs("cninfo", "announcement", "cninfo.com", "Asia/Shanghai", 5, 0.9, "ops", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.RegisterSource(context.Background(), event.Source{
		SourceName:          "cninfo",
		SourceType:          "announcement",
		Provider:            "cninfo.com",
		Timezone:            "Asia/Shanghai",
		IngestionLagMinutes: 5,
		ReliabilityScore:    0.9,
		CreatedBy:           "ops",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceReturnsNotFoundOnNoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT source_name, source_type`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.GetSource(context.Background(), "missing")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestRecordsDistinguishesInsertFromUpdateViaXmax(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO event_records`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery(`INSERT INTO event_records`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectCommit()

	records := []event.Record{
		{SourceName: "cninfo", EventID: "e1", EventType: "earnings_beat", PublishTime: now, Polarity: event.PolarityPositive, Score: 0.5, Confidence: 0.8},
		{SourceName: "cninfo", EventID: "e2", EventType: "earnings_beat", PublishTime: now, Polarity: event.PolarityPositive, Score: 0.5, Confidence: 0.8},
	}

	result, err := s.IngestRecords(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, 1, result.Inserted)
	require.Equal(t, 1, result.Updated)
	require.Empty(t, result.Errors)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestRecordsCollectsValidationErrorsWithoutAbortingTx(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO event_records`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectCommit()

	records := []event.Record{
		{SourceName: "cninfo", EventID: "e1", EventType: "earnings_beat", PublishTime: now, EffectiveTime: &before, Polarity: event.PolarityPositive, Score: 0.5, Confidence: 0.8},
		{SourceName: "cninfo", EventID: "e2", EventType: "earnings_beat", PublishTime: now, Polarity: event.PolarityPositive, Score: 0.5, Confidence: 0.8},
	}

	result, err := s.IngestRecords(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, 1, result.Inserted)
	require.Len(t, result.Errors, 1)
	require.Equal(t, 0, result.Errors[0].Index)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCheckpointReturnsZeroValueWhenUnset(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT connector_name, cursor, publish_time`).
		WithArgs("tushare-anns").
		WillReturnRows(sqlmock.NewRows(nil))

	cp, err := s.GetCheckpoint(context.Background(), "tushare-anns")
	require.NoError(t, err)
	require.Equal(t, "tushare-anns", cp.ConnectorName)
	require.Empty(t, cp.Cursor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceCredentialCursorReturnsRotatedValue(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO source_credential_cursors`).
		WithArgs("tushare-anns", "tushare_pro", 3).
		WillReturnRows(sqlmock.NewRows([]string{"cursor"}).AddRow(1))

	cursor, err := s.AdvanceCredentialCursor(context.Background(), "tushare-anns", "tushare_pro", 3)
	require.NoError(t, err)
	require.Equal(t, 1, cursor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListOpenAlertStatesScansAllColumns(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"dedupe_key", "connector_name", "breach_type", "severity", "stage", "first_seen_at", "last_seen_at",
		"last_emitted_at", "last_recovered_at", "last_escalated_at", "repeat_count", "escalation_level",
		"escalation_reason", "is_open", "message",
	}).AddRow("tushare-anns|freshness", "tushare-anns", connector.BreachFreshness, connector.SeverityWarning,
		connector.StageWarning, now, now, nil, nil, nil, 1, 0, "", true, "stale by 45m")

	mock.ExpectQuery(`SELECT dedupe_key, connector_name, breach_type`).WillReturnRows(rows)

	states, err := s.ListOpenAlertStates(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, connector.BreachFreshness, states[0].BreachType)
	require.True(t, states[0].IsOpen)
	require.NoError(t, mock.ExpectationsWereMet())
}
