// Package slamonitor implements the SLA monitor and alert-state machine
// (C7): classifying each connector against freshness, pending-backlog, and
// dead-backlog thresholds, deduplicating and escalating breaches, and
// recovering alert state once the underlying condition clears.
package slamonitor

import (
	"context"
	"fmt"
	"time"

	core "github.com/cn-equity-research/eventgov/internal/app/core/service"
	"github.com/cn-equity-research/eventgov/internal/app/audit"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/storage"
	"github.com/cn-equity-research/eventgov/pkg/logger"
)

// failureScanLimit bounds how many pending/dead rows are pulled per sweep to
// compute backlog counts; the store has no per-connector index on status, so
// this is a client-side filter over a generous page.
const failureScanLimit = 2000

// DefaultPolicy returns the fallback SLA thresholds used when a connector's
// own config.sla does not fully specify an axis. Values are an Open Question
// resolution (DESIGN.md): freshness in minutes, pending/dead in row counts.
func DefaultPolicy() connector.SLAPolicy {
	return connector.SLAPolicy{
		Freshness: connector.SLAThreshold{Warning: 60, Critical: 180, Escalation: 720},
		Pending:   connector.SLAThreshold{Warning: 5, Critical: 20, Escalation: 50},
		Dead:      connector.SLAThreshold{Warning: 1, Critical: 5, Escalation: 20},
	}
}

// SyncOptions parameterize one sync_sla_alerts sweep.
type SyncOptions struct {
	CooldownSeconds        int
	WarningRepeatEscalate  int
	CriticalRepeatEscalate int
}

// SyncResult aggregates the outcome of a sweep across all evaluated connectors.
type SyncResult struct {
	Emitted       int
	Skipped       int
	Escalated     int
	Recovered     int
	OpenStates    int
	OpenEscalated int
}

// Service implements evaluate_sla and sync_sla_alerts.
type Service struct {
	store storage.Store
	audit *audit.Bus
	log   *logger.Logger
	hooks core.ObservationHooks
	now   func() time.Time
}

// New builds a slamonitor Service. log may be nil; auditBus may be nil (in
// which case SLA audit events are silently dropped, matching audit.Bus's own
// nil-safety).
func New(store storage.Store, auditBus *audit.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("slamonitor")
	}
	return &Service{store: store, audit: auditBus, log: log, now: time.Now}
}

// WithObservationHooks attaches metrics/tracing hooks and returns the same
// Service for chaining.
func (s *Service) WithObservationHooks(hooks core.ObservationHooks) *Service {
	s.hooks = hooks
	return s
}

// Descriptor advertises this service's placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "slamonitor",
		Domain:       "connector",
		Layer:        core.LayerEngine,
		Capabilities: []string{"evaluate_sla", "sync_sla_alerts"},
	}
}

// EvaluateSLA classifies one connector against its merged SLA policy and
// returns a Breach for every triggered axis.
func (s *Service) EvaluateSLA(ctx context.Context, connectorName string) (connector.Connector, []connector.Breach, error) {
	cfg, err := s.store.GetConnector(ctx, connectorName)
	if err != nil {
		return connector.Connector{}, nil, err
	}
	policy := mergePolicy(cfg.SLA)

	freshnessRef, err := s.freshnessReference(ctx, connectorName)
	if err != nil {
		return cfg, nil, err
	}

	pending, dead, err := s.backlogCounts(ctx, connectorName)
	if err != nil {
		return cfg, nil, err
	}

	var breaches []connector.Breach

	if freshnessRef != nil {
		minutes := int(s.now().Sub(*freshnessRef).Seconds() / 60)
		if minutes < 0 {
			minutes = 0
		}
		if sev, stage := severityStage(float64(minutes), policy.Freshness); sev != "" {
			m := minutes
			breaches = append(breaches, connector.Breach{
				ConnectorName:    connectorName,
				SourceName:       cfg.SourceName,
				BreachType:       connector.BreachFreshness,
				Severity:         sev,
				Stage:            stage,
				FreshnessMinutes: &m,
				Message:          fmt.Sprintf("freshness stale by %d minutes (stage=%s)", m, stage),
			})
		}
	}

	if sev, stage := severityStage(float64(pending), policy.Pending); sev != "" {
		breaches = append(breaches, connector.Breach{
			ConnectorName:   connectorName,
			SourceName:      cfg.SourceName,
			BreachType:      connector.BreachPending,
			Severity:        sev,
			Stage:           stage,
			PendingFailures: pending,
			Message:         fmt.Sprintf("%d pending failures (stage=%s)", pending, stage),
		})
	}

	if sev, stage := severityStage(float64(dead), policy.Dead); sev != "" {
		breaches = append(breaches, connector.Breach{
			ConnectorName: connectorName,
			SourceName:    cfg.SourceName,
			BreachType:    connector.BreachDead,
			Severity:      sev,
			Stage:         stage,
			DeadFailures:  dead,
			Message:       fmt.Sprintf("%d dead failures (stage=%s)", dead, stage),
		})
	}

	return cfg, breaches, nil
}

// SyncAlerts runs evaluate_sla across connectorNames, updates deduplicated
// alert state, escalates on repetition, and recovers any open state whose
// key did not reappear in this sweep.
func (s *Service) SyncAlerts(ctx context.Context, connectorNames []string, opts SyncOptions) (SyncResult, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"op": "sync_sla_alerts"})

	var result SyncResult
	seen := make(map[string]bool)

	for _, name := range connectorNames {
		cfg, breaches, err := s.EvaluateSLA(ctx, name)
		if err != nil {
			s.log.WithError(err).WithField("connector", name).Warn("sla evaluation failed")
			continue
		}
		for _, b := range breaches {
			seen[b.DedupeKey()] = true
			s.recordHistory(ctx, b)
			s.syncOne(ctx, cfg, b, opts, &result)
		}
	}

	open, err := s.store.ListOpenAlertStates(ctx)
	if err != nil {
		done(err)
		return result, err
	}
	for _, st := range open {
		if seen[st.DedupeKey] {
			result.OpenStates++
			if st.EscalationLevel >= 1 {
				result.OpenEscalated++
			}
			continue
		}
		s.recover(ctx, st, &result)
	}

	done(nil)
	return result, nil
}

func (s *Service) syncOne(ctx context.Context, cfg connector.Connector, b connector.Breach, opts SyncOptions, result *SyncResult) {
	now := s.now()
	existing, ok, err := s.store.GetAlertState(ctx, b.DedupeKey())
	if err != nil {
		s.log.WithError(err).WithField("dedupe_key", b.DedupeKey()).Warn("failed to load alert state")
		return
	}

	var state connector.AlertState
	var shouldEmit bool

	if !ok || !existing.IsOpen {
		state = connector.AlertState{
			DedupeKey:     b.DedupeKey(),
			ConnectorName: b.ConnectorName,
			BreachType:    b.BreachType,
			Severity:      b.Severity,
			Stage:         b.Stage,
			FirstSeenAt:   now,
			LastSeenAt:    now,
			RepeatCount:   1,
			IsOpen:        true,
			Message:       b.Message,
		}
		shouldEmit = true
	} else {
		state = existing
		stageChanged := state.Stage != b.Stage || state.Severity != b.Severity
		state.RepeatCount++
		state.LastSeenAt = now
		state.Stage = b.Stage
		state.Severity = b.Severity
		state.Message = b.Message
		cooldownElapsed := state.LastEmittedAt == nil || now.Sub(*state.LastEmittedAt) >= time.Duration(opts.CooldownSeconds)*time.Second
		shouldEmit = stageChanged || cooldownElapsed
	}

	targetLevel, reason := targetEscalationLevel(b, state, opts)
	if targetLevel > state.EscalationLevel {
		state.EscalationLevel = targetLevel
		state.EscalationReason = reason
		state.LastEscalatedAt = &now
		result.Escalated++
		s.audit.Emit(ctx, "event_connector_sla_escalation", alertPayload(cfg, b, state))
	}

	if shouldEmit {
		state.LastEmittedAt = &now
		result.Emitted++
		s.audit.Emit(ctx, "event_connector_sla", alertPayload(cfg, b, state))
	} else {
		result.Skipped++
	}

	if err := s.store.UpsertAlertState(ctx, state); err != nil {
		s.log.WithError(err).WithField("dedupe_key", state.DedupeKey).Warn("failed to persist alert state")
	}
}

func targetEscalationLevel(b connector.Breach, state connector.AlertState, opts SyncOptions) (int, string) {
	switch {
	case b.Stage == connector.StageEscalated:
		return 3, "breach stage escalated by SLA threshold"
	case b.Severity == connector.SeverityCritical && opts.CriticalRepeatEscalate > 0 && state.RepeatCount >= opts.CriticalRepeatEscalate:
		return 2, "critical breach repeated past escalation threshold"
	case opts.WarningRepeatEscalate > 0 && state.RepeatCount >= opts.WarningRepeatEscalate:
		return 1, "breach repeated past escalation threshold"
	default:
		return 0, ""
	}
}

func (s *Service) recover(ctx context.Context, st connector.AlertState, result *SyncResult) {
	now := s.now()
	st.IsOpen = false
	st.LastRecoveredAt = &now
	if err := s.store.UpsertAlertState(ctx, st); err != nil {
		s.log.WithError(err).WithField("dedupe_key", st.DedupeKey).Warn("failed to persist alert recovery")
		return
	}
	result.Recovered++
	s.audit.Emit(ctx, "event_connector_sla_recovery", map[string]any{
		"connector_name": st.ConnectorName,
		"breach_type":    string(st.BreachType),
		"dedupe_key":     st.DedupeKey,
		"first_seen_at":  st.FirstSeenAt,
		"last_seen_at":   st.LastSeenAt,
		"recovered_at":   now,
	})
}

func (s *Service) recordHistory(ctx context.Context, b connector.Breach) {
	point := connector.HistoryPoint{
		ObservedAt:       s.now(),
		ConnectorName:    b.ConnectorName,
		SourceName:       b.SourceName,
		BreachType:       b.BreachType,
		Severity:         b.Severity,
		Stage:            b.Stage,
		FreshnessMinutes: b.FreshnessMinutes,
		PendingFailures:  b.PendingFailures,
		DeadFailures:     b.DeadFailures,
		Message:          b.Message,
	}
	if err := s.store.InsertHistory(ctx, point); err != nil {
		s.log.WithError(err).Warn("failed to persist sla history point")
	}
}

func alertPayload(cfg connector.Connector, b connector.Breach, state connector.AlertState) map[string]any {
	return map[string]any{
		"connector_name":    b.ConnectorName,
		"source_name":       b.SourceName,
		"breach_type":       string(b.BreachType),
		"severity":          string(b.Severity),
		"stage":             string(b.Stage),
		"message":           b.Message,
		"freshness_minutes": b.FreshnessMinutes,
		"pending_failures":  b.PendingFailures,
		"dead_failures":     b.DeadFailures,
		"dedupe_key":        state.DedupeKey,
		"repeat_count":      state.RepeatCount,
		"escalation_level":  state.EscalationLevel,
		"escalation_reason": state.EscalationReason,
		"first_seen_at":     state.FirstSeenAt,
		"last_seen_at":      state.LastSeenAt,
		"last_emitted_at":   state.LastEmittedAt,
		"last_escalated_at": state.LastEscalatedAt,
		"runbook_url":       cfg.RunbookURL,
	}
}

// freshnessReference resolves checkpoint.publish_time ?? checkpoint.
// last_success_at ?? checkpoint.last_run_at ?? latest_run.finished_at ??
// latest_run.started_at, in that order.
func (s *Service) freshnessReference(ctx context.Context, connectorName string) (*time.Time, error) {
	cp, err := s.store.GetCheckpoint(ctx, connectorName)
	if err != nil {
		return nil, err
	}
	if cp.PublishTime != nil {
		return cp.PublishTime, nil
	}
	if cp.LastSuccessAt != nil {
		return cp.LastSuccessAt, nil
	}
	if cp.LastRunAt != nil {
		return cp.LastRunAt, nil
	}

	runs, err := s.store.ListRuns(ctx, connectorName, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	latest := runs[0]
	if latest.FinishedAt != nil {
		return latest.FinishedAt, nil
	}
	return &latest.StartedAt, nil
}

func (s *Service) backlogCounts(ctx context.Context, connectorName string) (pending, dead int, err error) {
	pendingRows, err := s.store.ListFailuresByStatus(ctx, connector.FailurePending, failureScanLimit)
	if err != nil {
		return 0, 0, err
	}
	for _, f := range pendingRows {
		if f.ConnectorName == connectorName {
			pending++
		}
	}

	deadRows, err := s.store.ListFailuresByStatus(ctx, connector.FailureDead, failureScanLimit)
	if err != nil {
		return 0, 0, err
	}
	for _, f := range deadRows {
		if f.ConnectorName == connectorName {
			dead++
		}
	}
	return pending, dead, nil
}

func mergePolicy(cfg connector.SLAPolicy) connector.SLAPolicy {
	def := DefaultPolicy()
	policy := def
	if configuredAxis(cfg.Freshness) {
		policy.Freshness = cfg.Freshness
	}
	if configuredAxis(cfg.Pending) {
		policy.Pending = cfg.Pending
	}
	if configuredAxis(cfg.Dead) {
		policy.Dead = cfg.Dead
	}
	return policy
}

func configuredAxis(t connector.SLAThreshold) bool {
	if t.Warning == 0 && t.Critical == 0 && t.Escalation == 0 {
		return false
	}
	return t.Valid()
}

func severityStage(value float64, t connector.SLAThreshold) (connector.Severity, connector.SLAAlertStage) {
	switch {
	case value >= t.Escalation:
		return connector.SeverityCritical, connector.StageEscalated
	case value >= t.Critical:
		return connector.SeverityCritical, connector.StageCritical
	case value >= t.Warning:
		return connector.SeverityWarning, connector.StageWarning
	default:
		return "", ""
	}
}
