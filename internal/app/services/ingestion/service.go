// Package ingestion implements the connector runtime (C5): selecting a
// source-matrix candidate, fetching raw rows through its adapter,
// standardizing them against the active NLP ruleset, and persisting the
// result while advancing checkpoints and source-state health.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cn-equity-research/eventgov/infrastructure/redaction"
	core "github.com/cn-equity-research/eventgov/internal/app/core/service"
	"github.com/cn-equity-research/eventgov/internal/app/apperrors"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector/adapter"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector/matrix"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector/ratebudget"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event/standardize"
	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
	"github.com/cn-equity-research/eventgov/internal/app/metrics"
	"github.com/cn-equity-research/eventgov/internal/app/storage"
	"github.com/cn-equity-research/eventgov/pkg/logger"
	"github.com/google/uuid"
)

// RunOptions parameterize one invocation of Run, mirroring the CLI/scheduler
// trigger flags from §4.5 (dry_run, force_full_sync).
type RunOptions struct {
	TriggeredBy   string
	DryRun        bool
	ForceFullSync bool
}

// Service runs connectors against their configured source matrix.
type Service struct {
	store     storage.Store
	registry  *adapter.Registry
	smoother  *ratebudget.Smoother
	log       *logger.Logger
	hooks     core.ObservationHooks
	now       func() time.Time
}

// New builds an ingestion Service. log may be nil.
func New(store storage.Store, registry *adapter.Registry, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ingestion")
	}
	return &Service{
		store:    store,
		registry: registry,
		smoother: ratebudget.NewSmoother(),
		log:      log,
		now:      time.Now,
	}
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
		Name:         "ingestion",
		Domain:       "connector",
		Layer:        core.LayerEngine,
		Capabilities: []string{"run", "source_matrix", "failover"},
	}
}

// Run executes one connector run: pick a candidate (or ordered candidates
// when failover is enabled), fetch, standardize, persist, and advance state.
// Errors raised before the run starts (unknown or disabled connector, and the
// other early checks) return an empty connector.Run.
func (s *Service) Run(ctx context.Context, connectorName string, opts RunOptions) (connector.Run, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"connector": connectorName, "op": "run"})

	cfg, err := s.store.GetConnector(ctx, connectorName)
	if err != nil {
		done(err)
		return connector.Run{}, err
	}
	if !cfg.Enabled && opts.TriggeredBy != "manual" {
		err := apperrors.Validation("enabled", fmt.Sprintf("connector %s is disabled", connectorName))
		done(err)
		return connector.Run{}, err
	}

	checkpoint, err := s.store.GetCheckpoint(ctx, connectorName)
	if err != nil {
		done(err)
		return connector.Run{}, err
	}
	cursor := checkpoint.Cursor
	if opts.ForceFullSync {
		cursor = ""
	}

	states, err := s.loadOrSeedSourceStates(ctx, cfg)
	if err != nil {
		done(err)
		return connector.Run{}, err
	}

	candidates := matrix.Order(states, cfg.Failover, s.now())
	if len(candidates) == 0 {
		err := apperrors.Validation("source_matrix", "no enabled source-matrix candidates configured")
		done(err)
		return connector.Run{}, err
	}

	run := connector.Run{
		RunID:            uuid.NewString(),
		ConnectorName:    connectorName,
		SourceName:       cfg.SourceName,
		StartedAt:        s.now(),
		Status:           connector.RunRunning,
		TriggeredBy:      opts.TriggeredBy,
		CheckpointBefore: cursor,
		Details: connector.RunDetails{
			Enabled:           cfg.Enabled,
			DryRun:            opts.DryRun,
			ForceFullSync:     opts.ForceFullSync,
			FailoverEnabled:   cfg.Failover.Enabled,
			SourceMatrixCount: len(cfg.SourceMatrix),
		},
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		done(err)
		return connector.Run{}, err
	}

	ruleset, err := s.activeRuleset(ctx)
	if err != nil {
		done(err)
		return connector.Run{}, err
	}

	var lastErr error
	for _, state := range candidates {
		candidate, ok := findCandidate(cfg.SourceMatrix, state.SourceKey)
		if !ok {
			continue
		}

		windowHour := s.now().UTC().Truncate(time.Hour)
		used, err := s.store.GetBudgetUsage(ctx, connectorName, state.SourceKey, windowHour)
		if err != nil {
			lastErr = err
			continue
		}
		if !ratebudget.Allow(candidate.RequestBudget, used) {
			run.Details.SourceAttempts = append(run.Details.SourceAttempts, connector.SourceAttempt{
				SourceKey: state.SourceKey,
				Status:    connector.AttemptSkippedBudget,
			})
			continue
		}
		if err := s.smoother.Wait(ctx, connectorName, state.SourceKey, candidate.RequestBudget); err != nil {
			lastErr = err
			continue
		}

		credential, err := s.resolveCredential(ctx, connectorName, candidate)
		if err != nil {
			lastErr = err
			continue
		}

		start := s.now()
		result, fetchErr := s.fetch(ctx, connectorName, candidate, cursor, cfg.FetchLimit, credential)
		latency := s.now().Sub(start)

		if _, incErr := s.store.IncrementBudgetUsage(ctx, connectorName, state.SourceKey, windowHour, 1); incErr != nil {
			s.log.WithError(incErr).WithField("source_key", state.SourceKey).Warn("failed to record budget usage")
		}

		if fetchErr != nil {
			lastErr = fetchErr
			state.ConsecutiveFailures++
			state.TotalFailures++
			state.LastError = fetchErr.Error()
			now := s.now()
			state.LastAttemptAt = &now
			state.LastFailureAt = &now
			state.HealthScore = matrix.UpdateHealthOnFailure(state.HealthScore, state.ConsecutiveFailures, latency.Milliseconds())
			_ = s.store.UpsertSourceState(ctx, state)

			run.Details.SourceAttempts = append(run.Details.SourceAttempts, connector.SourceAttempt{
				SourceKey: state.SourceKey,
				Status:    connector.AttemptFailed,
				LatencyMs: latency.Milliseconds(),
				Error:     fetchErr.Error(),
			})
			if !cfg.Failover.Enabled {
				break
			}
			continue
		}

		state.ConsecutiveFailures = 0
		state.TotalSuccess++
		now := s.now()
		state.LastAttemptAt = &now
		state.LastSuccessAt = &now
		state.HealthScore = matrix.UpdateHealthOnSuccess(state.HealthScore, latency.Milliseconds())
		state.CheckpointCursor = result.NextCursor
		state.IsActive = true
		_ = s.store.UpsertSourceState(ctx, state)

		run.Details.SelectedSourceKey = state.SourceKey
		run.Details.SourceAttempts = append(run.Details.SourceAttempts, connector.SourceAttempt{
			SourceKey: state.SourceKey,
			Status:    connector.AttemptSuccess,
			LatencyMs: latency.Milliseconds(),
		})

		run.PulledCount = len(result.Records)
		ingestResult, ingestErr := s.standardizeAndIngest(ctx, cfg, connectorName, state.SourceKey, run.RunID, result.Records, ruleset, opts.DryRun)
		run.NormalizedCount = ingestResult.normalized
		run.InsertedCount = ingestResult.inserted
		run.UpdatedCount = ingestResult.updated
		run.FailedCount = ingestResult.failed

		// §4.5 step 7: status follows the row counts, not whether the store
		// call itself returned an error — a batch can have some rows fail
		// normalize/ingest while others succeed (PARTIAL), or have every row
		// fail with no top-level error at all (FAILED).
		switch {
		case run.FailedCount == 0:
			run.Status = connector.RunSuccess
		case run.InsertedCount+run.UpdatedCount == 0:
			run.Status = connector.RunFailed
		default:
			run.Status = connector.RunPartial
		}
		if ingestErr != nil {
			run.ErrorMessage = ingestErr.Error()
		}

		if !opts.DryRun && result.NextCursor != "" {
			newCursor := result.NextCursor
			cp := connector.Checkpoint{
				ConnectorName: connectorName,
				Cursor:        newCursor,
				LastRunAt:     &now,
			}
			if run.Status != connector.RunFailed {
				cp.LastSuccessAt = &now
			}
			if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
				s.log.WithError(err).Warn("failed to save checkpoint")
			}
			run.CheckpointAfter = newCursor
		}

		finished := s.now()
		run.FinishedAt = &finished
		if opts.DryRun {
			run.Status = connector.RunDryRun
		}
		if err := s.store.UpdateRun(ctx, run); err != nil {
			s.log.WithError(err).Warn("failed to update run record")
		}
		metrics.RecordConnectorRun(connectorName, strings.ToLower(string(run.Status)))
		done(nil)
		return run, nil
	}

	finished := s.now()
	run.FinishedAt = &finished
	run.Status = connector.RunFailed
	allFailed := &connector.ErrAllCandidatesFailed{ConnectorName: connectorName, Attempts: run.Details.SourceAttempts}
	if lastErr != nil {
		run.ErrorMessage = fmt.Sprintf("%s (last error: %v)", allFailed.Error(), lastErr)
	} else {
		run.ErrorMessage = allFailed.Error()
	}
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.log.WithError(err).Warn("failed to update run record")
	}
	metrics.RecordConnectorRun(connectorName, strings.ToLower(string(run.Status)))
	done(allFailed)
	return run, allFailed
}

type ingestOutcome struct {
	normalized, inserted, updated, failed int
}

func (s *Service) standardizeAndIngest(ctx context.Context, cfg connector.Connector, connectorName, sourceKey, runID string, raw []standardize.RawRecord, ruleset nlpgov.Ruleset, dryRun bool) (ingestOutcome, error) {
	var outcome ingestOutcome

	source, err := s.store.GetSource(ctx, cfg.SourceName)
	reliability := 1.0
	if err == nil {
		reliability = source.ReliabilityScore
	}

	var records []struct {
		rec standardize.RawRecord
		std standardize.Result
	}
	for _, r := range raw {
		std, err := standardize.Standardize(cfg.SourceName, r, ruleset, reliability)
		if err != nil {
			outcome.failed++
			s.recordFailure(ctx, connectorName, sourceKey, runID, connector.PhaseNormalize, r, nil, err)
			continue
		}
		outcome.normalized++
		records = append(records, struct {
			rec standardize.RawRecord
			std standardize.Result
		}{r, std})
	}

	if dryRun || len(records) == 0 {
		return outcome, nil
	}

	batch := make([]event.Record, 0, len(records))
	for _, r := range records {
		batch = append(batch, r.std.Record)
	}

	result, err := s.store.IngestRecords(ctx, batch)
	outcome.inserted = result.Inserted
	outcome.updated = result.Updated
	for _, rowErr := range result.Errors {
		outcome.failed++
		if rowErr.Index >= 0 && rowErr.Index < len(records) {
			s.recordFailure(ctx, connectorName, sourceKey, runID, connector.PhaseIngest, records[rowErr.Index].rec, &records[rowErr.Index].std.Record, fmt.Errorf("%s", rowErr.Message))
		}
	}
	if err != nil {
		if len(result.Errors) == 0 {
			outcome.failed += len(batch)
		}
		return outcome, err
	}
	return outcome, nil
}

func (s *Service) recordFailure(ctx context.Context, connectorName, sourceKey, runID string, phase connector.FailurePhase, raw standardize.RawRecord, rec *event.Record, cause error) {
	// Normalize- and ingest-phase error text may carry credential-like
	// key=value pairs or bearer tokens; redact before it reaches a
	// dead-letter row.
	causeText := redaction.RedactAll(cause.Error())
	payload := connector.FailurePayload{
		Phase:     phase,
		SourceKey: sourceKey,
		Error:     causeText,
		RawRecord: map[string]any{
			"source_event_id": raw.SourceEventID,
			"symbol":          raw.Symbol,
			"default_symbol":  raw.DefaultSymbol,
			"title":           raw.Title,
			"summary":         raw.Summary,
			"content":         raw.Content,
			"publish_time":    raw.PublishTime,
			"url":             raw.URL,
		},
	}
	if rec != nil {
		payload.Event = map[string]any{
			"event_id":     rec.EventID,
			"symbol":       rec.Symbol,
			"event_type":   rec.EventType,
			"publish_time": rec.PublishTime,
			"polarity":     string(rec.Polarity),
			"score":        rec.Score,
			"confidence":   rec.Confidence,
			"title":        rec.Title,
			"summary":      rec.Summary,
			"raw_ref":      rec.RawRef,
			"tags":         rec.Tags,
			"metadata":     rec.Metadata,
		}
	}
	failure := connector.Failure{
		ConnectorName: connectorName,
		SourceName:    sourceKey,
		RunID:         runID,
		Status:        connector.FailurePending,
		LastError:     causeText,
		Payload:       payload,
	}
	if _, err := s.store.InsertFailure(ctx, failure); err != nil {
		s.log.WithError(err).Warn("failed to persist dead-letter failure")
	}
	metrics.RecordConnectorFailure(connectorName, string(phase))
}

func (s *Service) fetch(ctx context.Context, connectorName string, candidate connector.SourceCandidate, cursor string, fetchLimit int, credential string) (adapter.FetchResult, error) {
	a, err := s.registry.Resolve(candidate.ConnectorType)
	if err != nil {
		return adapter.FetchResult{}, apperrors.Adapter(candidate.SourceKey, err)
	}
	result, err := a.Fetch(ctx, adapter.FetchRequest{
		ConnectorName: connectorName,
		Candidate:     candidate,
		Cursor:        cursor,
		FetchLimit:    fetchLimit,
		Credential:    credential,
	})
	if err != nil {
		return adapter.FetchResult{}, apperrors.Adapter(candidate.SourceKey, err)
	}
	return result, nil
}

func (s *Service) resolveCredential(ctx context.Context, connectorName string, candidate connector.SourceCandidate) (string, error) {
	if len(candidate.CredentialAliases) == 0 {
		return "", nil
	}
	if len(candidate.CredentialAliases) == 1 {
		return candidate.CredentialAliases[0], nil
	}
	idx, err := s.store.AdvanceCredentialCursor(ctx, connectorName, candidate.SourceKey, len(candidate.CredentialAliases))
	if err != nil {
		return "", err
	}
	return candidate.CredentialAliases[idx], nil
}

func (s *Service) activeRuleset(ctx context.Context) (nlpgov.Ruleset, error) {
	rs, ok, err := s.store.GetActiveRuleset(ctx)
	if err != nil {
		return nlpgov.Ruleset{}, err
	}
	if !ok {
		return nlpgov.BuiltinRuleset(), nil
	}
	return rs, nil
}

func (s *Service) loadOrSeedSourceStates(ctx context.Context, cfg connector.Connector) ([]connector.SourceState, error) {
	existing, err := s.store.GetSourceStates(ctx, cfg.ConnectorName)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]connector.SourceState, len(existing))
	for _, st := range existing {
		byKey[st.SourceKey] = st
	}

	states := make([]connector.SourceState, 0, len(cfg.SourceMatrix))
	for _, candidate := range cfg.SourceMatrix {
		if st, ok := byKey[candidate.SourceKey]; ok {
			st.Priority = candidate.Priority
			st.Enabled = candidate.Enabled
			st.ConnectorType = candidate.ConnectorType
			states = append(states, st)
			continue
		}
		states = append(states, connector.SourceState{
			ConnectorName: cfg.ConnectorName,
			SourceKey:     candidate.SourceKey,
			ConnectorType: candidate.ConnectorType,
			Priority:      candidate.Priority,
			Enabled:       candidate.Enabled,
			HealthScore:   100,
		})
	}
	return states, nil
}

func findCandidate(candidates []connector.SourceCandidate, sourceKey string) (connector.SourceCandidate, bool) {
	for _, c := range candidates {
		if c.SourceKey == sourceKey {
			return c, true
		}
	}
	return connector.SourceCandidate{}, false
}
