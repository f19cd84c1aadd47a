package matrix

import (
	"testing"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/stretchr/testify/assert"
)

func TestUpdateHealthOnSuccessFloorsAndCaps(t *testing.T) {
	assert.InDelta(t, 43.0, UpdateHealthOnSuccess(10, 0), 0.001)
	assert.InDelta(t, 100.0, UpdateHealthOnSuccess(95, 0), 0.001)
	assert.InDelta(t, 96.5, UpdateHealthOnSuccess(90, 3000), 0.001)
}

func TestUpdateHealthOnFailurePenalizesConsecutiveAndLatency(t *testing.T) {
	result := UpdateHealthOnFailure(80, 2, 7000)
	assert.InDelta(t, 80-(12+8+2), result, 0.001)
}

func TestUpdateHealthOnFailureNeverBelowZero(t *testing.T) {
	assert.Equal(t, 0.0, UpdateHealthOnFailure(5, 10, 20000))
}

func TestOrderWithoutFailoverReturnsSingleBestByPriority(t *testing.T) {
	now := time.Now()
	states := []connector.SourceState{
		{SourceKey: "b", Enabled: true, IsActive: true, Priority: 2, HealthScore: 90},
		{SourceKey: "a", Enabled: true, IsActive: true, Priority: 1, HealthScore: 50},
	}
	ordered := Order(states, connector.FailoverConfig{Enabled: false}, now)
	assert.Len(t, ordered, 1)
	assert.Equal(t, "a", ordered[0].SourceKey)
}

func TestOrderWithFailoverPrefersHealthyActiveOverUnhealthy(t *testing.T) {
	now := time.Now()
	states := []connector.SourceState{
		{SourceKey: "low", Enabled: true, IsActive: true, Priority: 1, HealthScore: 20, LastAttemptAt: &now},
		{SourceKey: "high", Enabled: true, IsActive: true, Priority: 2, HealthScore: 90, LastAttemptAt: &now},
	}
	cfg := connector.FailoverConfig{Enabled: true, HealthThreshold: 40, MaxCandidatesPerRun: 0}
	ordered := Order(states, cfg, now)
	assert.Equal(t, []string{"high", "low"}, []string{ordered[0].SourceKey, ordered[1].SourceKey})
}

func TestOrderRespectsMaxCandidatesPerRun(t *testing.T) {
	now := time.Now()
	states := []connector.SourceState{
		{SourceKey: "a", Enabled: true, IsActive: true, HealthScore: 90, LastAttemptAt: &now},
		{SourceKey: "b", Enabled: true, IsActive: true, HealthScore: 80, LastAttemptAt: &now},
		{SourceKey: "c", Enabled: true, IsActive: true, HealthScore: 70, LastAttemptAt: &now},
	}
	cfg := connector.FailoverConfig{Enabled: true, HealthThreshold: 10, MaxCandidatesPerRun: 2}
	ordered := Order(states, cfg, now)
	assert.Len(t, ordered, 2)
}

func TestOrderExcludesDisabledCandidates(t *testing.T) {
	now := time.Now()
	states := []connector.SourceState{
		{SourceKey: "off", Enabled: false, IsActive: true, HealthScore: 99},
		{SourceKey: "on", Enabled: true, IsActive: true, HealthScore: 10, LastAttemptAt: &now},
	}
	cfg := connector.FailoverConfig{Enabled: true, HealthThreshold: 0}
	ordered := Order(states, cfg, now)
	assert.Len(t, ordered, 1)
	assert.Equal(t, "on", ordered[0].SourceKey)
}
