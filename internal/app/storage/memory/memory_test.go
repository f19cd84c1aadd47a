package memory

import (
	"context"
	"testing"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestRecordsIsIdempotentOnSourceAndEventID(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := event.Record{
		SourceName: "cninfo", EventID: "e1", Symbol: "000001.SZ", EventType: "earnings_beat",
		PublishTime: time.Now(), Polarity: event.PolarityPositive, Score: 0.8, Confidence: 0.9,
		Title: "t", Summary: "s",
	}
	result, err := s.IngestRecords(ctx, []event.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 0, result.Updated)

	rec.Score = 0.95
	result, err = s.IngestRecords(ctx, []event.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 1, result.Updated)

	stored, err := s.GetRecord(ctx, "cninfo", "e1")
	require.NoError(t, err)
	assert.Equal(t, 0.95, stored.Score)
}

func TestIngestRecordsCollectsValidationErrorsWithoutFailingBatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	good := event.Record{SourceName: "cninfo", EventID: "e1", Symbol: "000001.SZ", EventType: "x", PublishTime: time.Now(), Title: "t", Summary: "s"}
	bad := event.Record{SourceName: "cninfo", EventID: "e2", Symbol: "000001.SZ", EventType: "x", Title: "t", Summary: "s"} // missing publish time

	result, err := s.IngestRecords(ctx, []event.Record{good, bad})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
}

func TestGetSourceReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.GetSource(context.Background(), "missing")
	require.Error(t, err)
}

func TestCredentialCursorRotatesAndWraps(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.AdvanceCredentialCursor(ctx, "conn", "src", 3)
	require.NoError(t, err)
	second, err := s.AdvanceCredentialCursor(ctx, "conn", "src", 3)
	require.NoError(t, err)
	third, err := s.AdvanceCredentialCursor(ctx, "conn", "src", 3)
	require.NoError(t, err)
	fourth, err := s.AdvanceCredentialCursor(ctx, "conn", "src", 3)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 0, 1}, []int{first, second, third, fourth})
}

func TestActivateRulesetDeactivatesPrevious(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.ActivateRuleset(ctx, ruleset("v1")))
	require.NoError(t, s.ActivateRuleset(ctx, ruleset("v2")))

	active, ok, err := s.GetActiveRuleset(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", active.Version)

	all, err := s.ListRulesets(ctx)
	require.NoError(t, err)
	for _, rs := range all {
		assert.Equal(t, rs.Version == "v2", rs.IsActive)
	}
}

func ruleset(version string) nlpgov.Ruleset { return nlpgov.Ruleset{Version: version} }

func TestListDueFailuresRespectsNextRetryAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	future := now.Add(time.Hour)

	dueID, err := s.InsertFailure(ctx, connector.Failure{ConnectorName: "c", Status: connector.FailurePending})
	require.NoError(t, err)
	_, err = s.InsertFailure(ctx, connector.Failure{ConnectorName: "c", Status: connector.FailurePending, NextRetryAt: &future})
	require.NoError(t, err)

	due, err := s.ListDueFailures(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, dueID, due[0].ID)
}
