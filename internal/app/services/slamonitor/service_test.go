package slamonitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/storage/memory"
)

func seedConnector(t *testing.T, store *memory.Store, c connector.Connector) {
	t.Helper()
	require.NoError(t, store.RegisterSource(context.Background(), event.Source{SourceName: c.SourceName, SourceType: event.SourceTypeAnnouncement, ReliabilityScore: 1}))
	require.NoError(t, store.UpsertConnector(context.Background(), c))
}

func TestSyncAlertsEmitsOnceThenSkipsWithinCooldown(t *testing.T) {
	store := memory.New()
	seedConnector(t, store, connector.Connector{
		ConnectorName: "cninfo-anns",
		SourceName:    "cninfo",
		SLA:           connector.SLAPolicy{Pending: connector.SLAThreshold{Warning: 1, Critical: 3, Escalation: 9}},
	})
	_, err := store.InsertFailure(context.Background(), connector.Failure{ConnectorName: "cninfo-anns", Status: connector.FailurePending})
	require.NoError(t, err)

	svc := New(store, nil, nil)

	first, err := svc.SyncAlerts(context.Background(), []string{"cninfo-anns"}, SyncOptions{CooldownSeconds: 600})
	require.NoError(t, err)
	require.Equal(t, 1, first.Emitted)
	require.Equal(t, 1, first.OpenStates)

	second, err := svc.SyncAlerts(context.Background(), []string{"cninfo-anns"}, SyncOptions{CooldownSeconds: 600})
	require.NoError(t, err)
	require.Equal(t, 0, second.Emitted)
	require.Equal(t, 1, second.Skipped)
}

func TestSyncAlertsRecoversWhenBreachClears(t *testing.T) {
	store := memory.New()
	seedConnector(t, store, connector.Connector{
		ConnectorName: "cninfo-anns",
		SourceName:    "cninfo",
		SLA:           connector.SLAPolicy{Pending: connector.SLAThreshold{Warning: 1, Critical: 3, Escalation: 9}},
	})
	id, err := store.InsertFailure(context.Background(), connector.Failure{ConnectorName: "cninfo-anns", Status: connector.FailurePending})
	require.NoError(t, err)

	svc := New(store, nil, nil)
	_, err = svc.SyncAlerts(context.Background(), []string{"cninfo-anns"}, SyncOptions{CooldownSeconds: 600})
	require.NoError(t, err)

	f, err := store.GetFailure(context.Background(), id)
	require.NoError(t, err)
	f.Status = connector.FailureReplayed
	require.NoError(t, store.UpdateFailure(context.Background(), f))

	result, err := svc.SyncAlerts(context.Background(), []string{"cninfo-anns"}, SyncOptions{CooldownSeconds: 600})
	require.NoError(t, err)
	require.Equal(t, 1, result.Recovered)
	require.Equal(t, 0, result.OpenStates)
}

func TestSyncAlertsEscalatesAfterRepeatedCriticalBreach(t *testing.T) {
	store := memory.New()
	seedConnector(t, store, connector.Connector{
		ConnectorName: "cninfo-anns",
		SourceName:    "cninfo",
		SLA:           connector.SLAPolicy{Pending: connector.SLAThreshold{Warning: 1, Critical: 3, Escalation: 9}},
	})
	for i := 0; i < 3; i++ {
		_, err := store.InsertFailure(context.Background(), connector.Failure{ConnectorName: "cninfo-anns", Status: connector.FailurePending})
		require.NoError(t, err)
	}

	svc := New(store, nil, nil)
	opts := SyncOptions{CooldownSeconds: 0, WarningRepeatEscalate: 2, CriticalRepeatEscalate: 2}

	_, err := svc.SyncAlerts(context.Background(), []string{"cninfo-anns"}, opts)
	require.NoError(t, err)
	second, err := svc.SyncAlerts(context.Background(), []string{"cninfo-anns"}, opts)
	require.NoError(t, err)
	require.GreaterOrEqual(t, second.Escalated, 1)
}

func TestEvaluateSLAUsesCheckpointPublishTimeAsFreshnessReference(t *testing.T) {
	store := memory.New()
	seedConnector(t, store, connector.Connector{
		ConnectorName: "cninfo-anns",
		SourceName:    "cninfo",
		SLA:           connector.SLAPolicy{Freshness: connector.SLAThreshold{Warning: 30, Critical: 120, Escalation: 600}},
	})
	stale := time.Now().Add(-200 * time.Minute)
	require.NoError(t, store.SaveCheckpoint(context.Background(), connector.Checkpoint{ConnectorName: "cninfo-anns", PublishTime: &stale}))

	svc := New(store, nil, nil)
	_, breaches, err := svc.EvaluateSLA(context.Background(), "cninfo-anns")
	require.NoError(t, err)

	var found bool
	for _, b := range breaches {
		if b.BreachType == connector.BreachFreshness {
			found = true
			require.Equal(t, connector.SeverityCritical, b.Severity)
			require.Equal(t, connector.StageCritical, b.Stage)
		}
	}
	require.True(t, found)
}

func TestEvaluateSLANoBreachWhenWithinThresholds(t *testing.T) {
	store := memory.New()
	seedConnector(t, store, connector.Connector{ConnectorName: "cninfo-anns", SourceName: "cninfo"})
	fresh := time.Now().Add(-1 * time.Minute)
	require.NoError(t, store.SaveCheckpoint(context.Background(), connector.Checkpoint{ConnectorName: "cninfo-anns", PublishTime: &fresh}))

	svc := New(store, nil, nil)
	_, breaches, err := svc.EvaluateSLA(context.Background(), "cninfo-anns")
	require.NoError(t, err)
	require.Empty(t, breaches)
}
