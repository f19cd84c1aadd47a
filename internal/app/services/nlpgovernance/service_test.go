package nlpgovernance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
	"github.com/cn-equity-research/eventgov/internal/app/storage/memory"
)

func rec(sourceName, eventID, eventType string, polarity event.Polarity, score float64, publishTime time.Time, matched bool) event.Record {
	metadata := map[string]any{"nlp_ruleset_version": "builtin-v1"}
	if matched {
		metadata["matched_rules"] = "builtin-earnings-beat"
	}
	return event.Record{
		SourceName:  sourceName,
		EventID:     eventID,
		Symbol:      "000001.SZ",
		EventType:   eventType,
		PublishTime: publishTime,
		Polarity:    polarity,
		Score:       score,
		Metadata:    metadata,
	}
}

func TestUpsertRulesetWithoutActivateDoesNotChangeActiveVersion(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	require.NoError(t, svc.UpsertRuleset(ctx, nlpgov.Ruleset{Version: "v1", Rules: []nlpgov.Rule{{RuleID: "r1", EventType: "x", Patterns: []string{"p"}}}}, true))
	require.NoError(t, svc.UpsertRuleset(ctx, nlpgov.Ruleset{Version: "v2", Rules: []nlpgov.Rule{{RuleID: "r2", EventType: "y", Patterns: []string{"p"}}}}, false))

	active, err := svc.GetActiveRuleset(ctx)
	require.NoError(t, err)
	require.Equal(t, "v1", active.Version)

	list, err := svc.ListRulesets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "v2", list[0].Version, "listing must be newest-first")
}

func TestActivateRulesetSwitchesActiveVersion(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	require.NoError(t, svc.UpsertRuleset(ctx, nlpgov.Ruleset{Version: "v1", Rules: []nlpgov.Rule{{RuleID: "r1", EventType: "x", Patterns: []string{"p"}}}}, true))
	require.NoError(t, svc.UpsertRuleset(ctx, nlpgov.Ruleset{Version: "v2", Rules: []nlpgov.Rule{{RuleID: "r2", EventType: "y", Patterns: []string{"p"}}}}, false))

	require.NoError(t, svc.ActivateRuleset(ctx, "v2"))

	active, err := svc.GetActiveRuleset(ctx)
	require.NoError(t, err)
	require.Equal(t, "v2", active.Version)
}

func TestActivateRulesetUnknownVersionIsNotFound(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	require.Error(t, svc.ActivateRuleset(context.Background(), "does-not-exist"))
}

func TestDriftCheckComputesHitRateDeltaAndEmitsAlert(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	baselineStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	currentStart := baselineStart.Add(24 * time.Hour)
	currentEnd := currentStart.Add(24 * time.Hour)

	var records []event.Record
	for i := 0; i < 8; i++ {
		records = append(records, rec("cninfo", eventIDFor("base", i), "earnings_beat", event.PolarityPositive, 0.6, baselineStart.Add(time.Hour*time.Duration(i)), true))
	}
	for i := 0; i < 8; i++ {
		records = append(records, rec("cninfo", eventIDFor("cur", i), "generic_announcement", event.PolarityNeutral, 0.1, currentStart.Add(time.Hour*time.Duration(i)), false))
	}
	_, err := store.IngestRecords(ctx, records)
	require.NoError(t, err)

	result, err := svc.DriftCheck(ctx, DriftCheckRequest{
		SourceName:    "cninfo",
		CurrentWindow: nlpgov.DriftWindow{Start: currentStart, End: currentEnd},
		BaselineWindow: &nlpgov.DriftWindow{Start: baselineStart, End: currentStart},
		Persist:       true,
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, result.Snapshot.BaselineMetrics.HitRate)
	require.Equal(t, 0.0, result.Snapshot.CurrentMetrics.HitRate)
	require.Less(t, result.Snapshot.HitRateDelta, 0.0)
	require.NotZero(t, result.SnapshotID)

	var found bool
	for _, a := range result.Snapshot.Alerts {
		if a.Metric == "hit_rate" {
			found = true
			require.Equal(t, nlpgov.SeverityCritical, a.Severity)
		}
	}
	require.True(t, found)
}

func eventIDFor(prefix string, i int) string {
	return prefix + "-" + string(rune('a'+i))
}

func TestDriftMonitorRiskLevelEscalatesWithRepeatedCriticalAlerts(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	critical := nlpgov.DriftAlert{Metric: "hit_rate", Severity: nlpgov.SeverityCritical, Delta: -0.4}
	for i := 0; i < 3; i++ {
		snap := nlpgov.DriftSnapshot{
			SourceName: "cninfo",
			Alerts:     []nlpgov.DriftAlert{critical},
			HitRateDelta: -0.1 * float64(i+1),
		}
		_, err := store.InsertDriftSnapshot(ctx, snap)
		require.NoError(t, err)
	}

	summary, err := svc.DriftMonitor(ctx, "cninfo", 10)
	require.NoError(t, err)
	require.Equal(t, nlpgov.RiskCritical, summary.LatestRiskLevel)
	require.Len(t, summary.Snapshots, 3)
}

func TestDriftMonitorNoSnapshotsIsInfo(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	summary, err := svc.DriftMonitor(context.Background(), "cninfo", 10)
	require.NoError(t, err)
	require.Equal(t, nlpgov.RiskInfo, summary.LatestRiskLevel)
	require.Empty(t, summary.Snapshots)
}

func TestAdjudicateLabelsComputesConsensusAndFlagsConflict(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	score1, score2, score3 := 0.5, 0.9, 0.2
	req := AdjudicateRequest{
		MinLabelers: 2,
		Persist:     true,
		Entries: []nlpgov.FeedbackEntry{
			{SourceName: "cninfo", EventID: "evt-1", Labeler: "alice", EventType: "earnings_beat", Polarity: event.PolarityPositive, Score: &score1},
			{SourceName: "cninfo", EventID: "evt-1", Labeler: "bob", EventType: "earnings_miss", Polarity: event.PolarityNegative, Score: &score2},
			{SourceName: "cninfo", EventID: "evt-1", Labeler: "carol", EventType: "earnings_beat", Polarity: event.PolarityPositive, Score: &score3},
		},
	}

	result, err := svc.AdjudicateLabels(ctx, req)
	require.NoError(t, err)
	require.Len(t, result.Consensus, 1)

	c := result.Consensus[0]
	require.Equal(t, "earnings_beat", c.ConsensusEventType)
	require.Equal(t, event.PolarityPositive, c.ConsensusPolarity)
	require.Equal(t, 3, c.LabelCount)
	require.True(t, c.HasConflict, "disagreeing labeler should mark conflict")

	stored, ok, err := store.GetConsensus(ctx, "cninfo", "evt-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "earnings_beat", stored.ConsensusEventType)
}

func TestAdjudicateLabelsSkipsGroupsBelowMinLabelers(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	req := AdjudicateRequest{
		MinLabelers: 2,
		Entries: []nlpgov.FeedbackEntry{
			{SourceName: "cninfo", EventID: "evt-solo", Labeler: "alice", EventType: "earnings_beat", Polarity: event.PolarityPositive},
		},
	}

	result, err := svc.AdjudicateLabels(ctx, req)
	require.NoError(t, err)
	require.Empty(t, result.Consensus)
}
