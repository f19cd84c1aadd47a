package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector/adapter"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event/standardize"
	"github.com/cn-equity-research/eventgov/internal/app/storage/memory"
)

type stubAdapter struct {
	typ     connector.Type
	results []adapter.FetchResult
	calls   int
	err     error
}

func (a *stubAdapter) Type() connector.Type { return a.typ }

func (a *stubAdapter) Fetch(ctx context.Context, req adapter.FetchRequest) (adapter.FetchResult, error) {
	if a.err != nil {
		return adapter.FetchResult{}, a.err
	}
	idx := a.calls
	a.calls++
	if idx >= len(a.results) {
		idx = len(a.results) - 1
	}
	return a.results[idx], nil
}

func seedConnector(t *testing.T, store *memory.Store, c connector.Connector) {
	t.Helper()
	require.NoError(t, store.RegisterSource(context.Background(), event.Source{SourceName: c.SourceName, SourceType: event.SourceTypeAnnouncement, ReliabilityScore: 1}))
	require.NoError(t, store.UpsertConnector(context.Background(), c))
}

func oneRawRecord() []standardize.RawRecord {
	return []standardize.RawRecord{{
		Symbol:      "000001.SZ",
		Title:       "业绩预增公告",
		Summary:     "公司预计净利润同比增长超预期",
		PublishTime: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
		URL:         "https://example.com/a",
	}}
}

var errUpstreamUnavailable = errors.New("upstream unavailable")

func TestRunIngestsFetchedRecordsAndAdvancesCheckpoint(t *testing.T) {
	store := memory.New()
	seedConnector(t, store, connector.Connector{
		ConnectorName: "cninfo-anns",
		SourceName:    "cninfo",
		ConnectorType: connector.TypeFile,
		Enabled:       true,
		FetchLimit:    100,
		SourceMatrix: []connector.SourceCandidate{
			{SourceKey: "cninfo_file", ConnectorType: connector.TypeFile, Priority: 1, Enabled: true},
		},
	})

	fa := &stubAdapter{typ: connector.TypeFile, results: []adapter.FetchResult{{
		Records:    oneRawRecord(),
		NextCursor: "3",
	}}}
	reg := adapter.NewRegistry(fa)
	svc := New(store, reg, nil)

	run, err := svc.Run(context.Background(), "cninfo-anns", RunOptions{TriggeredBy: "manual"})
	require.NoError(t, err)
	require.Equal(t, connector.RunSuccess, run.Status)
	require.Equal(t, 1, run.PulledCount)
	require.Equal(t, 1, run.InsertedCount)
	require.Equal(t, "3", run.CheckpointAfter)

	cp, err := store.GetCheckpoint(context.Background(), "cninfo-anns")
	require.NoError(t, err)
	require.Equal(t, "3", cp.Cursor)

	records, err := store.ListRecords(context.Background(), event.ListFilter{SourceName: "cninfo"})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRunReturnsErrAllCandidatesFailedWhenEveryAttemptErrors(t *testing.T) {
	store := memory.New()
	seedConnector(t, store, connector.Connector{
		ConnectorName: "cninfo-anns",
		SourceName:    "cninfo",
		ConnectorType: connector.TypeFile,
		Enabled:       true,
		FetchLimit:    100,
		Failover:      connector.FailoverConfig{Enabled: true, HealthThreshold: 50, MaxCandidatesPerRun: 2},
		SourceMatrix: []connector.SourceCandidate{
			{SourceKey: "primary", ConnectorType: connector.TypeFile, Priority: 1, Enabled: true},
			{SourceKey: "secondary", ConnectorType: connector.TypeFile, Priority: 2, Enabled: true},
		},
	})

	fa := &stubAdapter{typ: connector.TypeFile, err: errUpstreamUnavailable}
	reg := adapter.NewRegistry(fa)
	svc := New(store, reg, nil)

	run, err := svc.Run(context.Background(), "cninfo-anns", RunOptions{TriggeredBy: "scheduler"})
	require.Error(t, err)
	require.True(t, connector.IsAllCandidatesFailed(err))
	require.Equal(t, connector.RunFailed, run.Status)
	require.Len(t, run.Details.SourceAttempts, 2)
}

func TestRunSkipsCandidateOverHourlyBudget(t *testing.T) {
	store := memory.New()
	seedConnector(t, store, connector.Connector{
		ConnectorName: "cninfo-anns",
		SourceName:    "cninfo",
		ConnectorType: connector.TypeFile,
		Enabled:       true,
		FetchLimit:    100,
		Failover:      connector.FailoverConfig{Enabled: true, HealthThreshold: 50, MaxCandidatesPerRun: 2},
		SourceMatrix: []connector.SourceCandidate{
			{SourceKey: "primary", ConnectorType: connector.TypeFile, Priority: 1, Enabled: true, RequestBudget: 1},
			{SourceKey: "secondary", ConnectorType: connector.TypeFile, Priority: 2, Enabled: true},
		},
	})

	windowHour := time.Now().UTC().Truncate(time.Hour)
	_, err := store.IncrementBudgetUsage(context.Background(), "cninfo-anns", "primary", windowHour, 1)
	require.NoError(t, err)

	fa := &stubAdapter{typ: connector.TypeFile, results: []adapter.FetchResult{{Records: oneRawRecord(), NextCursor: "1"}}}
	reg := adapter.NewRegistry(fa)
	svc := New(store, reg, nil)

	run, err := svc.Run(context.Background(), "cninfo-anns", RunOptions{TriggeredBy: "scheduler"})
	require.NoError(t, err)
	require.Equal(t, "secondary", run.Details.SelectedSourceKey)

	var skipped bool
	for _, attempt := range run.Details.SourceAttempts {
		if attempt.SourceKey == "primary" && attempt.Status == connector.AttemptSkippedBudget {
			skipped = true
		}
	}
	require.True(t, skipped)
}

func TestRunDryRunDoesNotPersistOrAdvanceCheckpoint(t *testing.T) {
	store := memory.New()
	seedConnector(t, store, connector.Connector{
		ConnectorName: "cninfo-anns",
		SourceName:    "cninfo",
		ConnectorType: connector.TypeFile,
		Enabled:       true,
		FetchLimit:    100,
		SourceMatrix: []connector.SourceCandidate{
			{SourceKey: "primary", ConnectorType: connector.TypeFile, Priority: 1, Enabled: true},
		},
	})

	fa := &stubAdapter{typ: connector.TypeFile, results: []adapter.FetchResult{{Records: oneRawRecord(), NextCursor: "1"}}}
	reg := adapter.NewRegistry(fa)
	svc := New(store, reg, nil)

	run, err := svc.Run(context.Background(), "cninfo-anns", RunOptions{TriggeredBy: "manual", DryRun: true})
	require.NoError(t, err)
	require.Equal(t, connector.RunDryRun, run.Status)

	cp, err := store.GetCheckpoint(context.Background(), "cninfo-anns")
	require.NoError(t, err)
	require.Empty(t, cp.Cursor)

	records, err := store.ListRecords(context.Background(), event.ListFilter{SourceName: "cninfo"})
	require.NoError(t, err)
	require.Empty(t, records)
}
