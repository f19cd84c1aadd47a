// Package matrix implements the source-matrix ordering and health-scoring
// rules of §4.4 as pure functions over in-memory state, so they can be
// property-tested without touching the store.
package matrix

import (
	"sort"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
)

const (
	minHealth       = 0.0
	maxHealth       = 100.0
	successFloor    = 35.0
	successGain     = 8.0
	latencyDivisorSuccess = 2000.0
	baseFailurePenalty    = 12.0
	perFailurePenalty     = 4.0
	maxConsecutivePenalty = 30.0
	latencySlowMs         = 5000.0
	latencyDivisorFailure = 1000.0
)

// UpdateHealthOnSuccess applies §4.4's success formula:
// min(100, max(35, health)+8-latency_ms/2000).
func UpdateHealthOnSuccess(health float64, latencyMs int64) float64 {
	base := health
	if base < successFloor {
		base = successFloor
	}
	updated := base + successGain - float64(latencyMs)/latencyDivisorSuccess
	return clamp(updated, minHealth, maxHealth)
}

// UpdateHealthOnFailure applies §4.4's failure formula:
// max(0, health - (12+min(30,4*consecutive_failures) + max(0, latency_ms-5000)/1000)).
func UpdateHealthOnFailure(health float64, consecutiveFailures int, latencyMs int64) float64 {
	consecutivePenalty := perFailurePenalty * float64(consecutiveFailures)
	if consecutivePenalty > maxConsecutivePenalty {
		consecutivePenalty = maxConsecutivePenalty
	}
	latencyPenalty := float64(latencyMs) - latencySlowMs
	if latencyPenalty < 0 {
		latencyPenalty = 0
	}
	latencyPenalty /= latencyDivisorFailure

	updated := health - (baseFailurePenalty + consecutivePenalty + latencyPenalty)
	return clamp(updated, minHealth, maxHealth)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Order ranks candidate source states for one run. When failover is
// disabled, it returns at most one candidate (the current best by priority).
// When enabled, active-and-healthy candidates sort first, then by effective
// health descending, priority ascending, source key ascending; the result is
// capped at MaxCandidatesPerRun (0 means unlimited).
func Order(states []connector.SourceState, cfg connector.FailoverConfig, now time.Time) []connector.SourceState {
	enabled := make([]connector.SourceState, 0, len(states))
	for _, s := range states {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	if !cfg.Enabled {
		sort.SliceStable(enabled, func(i, j int) bool {
			if enabled[i].IsActive != enabled[j].IsActive {
				return enabled[i].IsActive
			}
			if enabled[i].Priority != enabled[j].Priority {
				return enabled[i].Priority < enabled[j].Priority
			}
			return enabled[i].EffectiveHealth(now) > enabled[j].EffectiveHealth(now)
		})
		if len(enabled) > 1 {
			enabled = enabled[:1]
		}
		return enabled
	}

	threshold := cfg.HealthThreshold
	sort.SliceStable(enabled, func(i, j int) bool {
		bandI := band(enabled[i], threshold, now)
		bandJ := band(enabled[j], threshold, now)
		if bandI != bandJ {
			return bandI < bandJ
		}
		hi, hj := enabled[i].EffectiveHealth(now), enabled[j].EffectiveHealth(now)
		if hi != hj {
			return hi > hj
		}
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority < enabled[j].Priority
		}
		return enabled[i].SourceKey < enabled[j].SourceKey
	})

	max := cfg.MaxCandidatesPerRun
	if max > 0 && len(enabled) > max {
		enabled = enabled[:max]
	}
	return enabled
}

// band returns 0 for "preferred" candidates (active and above the health
// threshold) and 1 for everything else, implementing the ordering rule's
// leading tiebreaker.
func band(s connector.SourceState, threshold float64, now time.Time) int {
	if s.IsActive && s.EffectiveHealth(now) >= threshold {
		return 0
	}
	return 1
}
