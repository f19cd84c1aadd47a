// Package deadletter implements the failure and replay engine (C6): claiming
// pending dead-letter rows on a schedule or by explicit id, repairing their
// stored payload, and re-driving them through the standardizer and event
// store with exponential backoff between attempts.
package deadletter

import (
	"context"
	"fmt"
	"time"

	core "github.com/cn-equity-research/eventgov/internal/app/core/service"
	"github.com/cn-equity-research/eventgov/internal/app/apperrors"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event/standardize"
	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
	"github.com/cn-equity-research/eventgov/internal/app/storage"
	"github.com/cn-equity-research/eventgov/pkg/logger"
)

const defaultMaxRetry = 5
const defaultBackoffSeconds = 60
const dueScanBatchSize = 500

// ReplayResult aggregates the outcome of a claim-and-replay pass.
type ReplayResult struct {
	Picked   int
	Replayed int
	Failed   int
	Dead     int
	Errors   map[int64]string
}

func newReplayResult() ReplayResult {
	return ReplayResult{Errors: map[int64]string{}}
}

// RepairPatch describes one manual repair request.
type RepairPatch struct {
	FailureID       int64
	RawRecord       map[string]any
	Event           map[string]any
	ResetRetryCount bool
}

// RepairAndReplayResult aggregates a repair_and_replay_failures call.
type RepairAndReplayResult struct {
	Repaired int
	Picked   int
	Replayed int
	Failed   int
	Dead     int
	Errors   map[int64]string
}

// Service implements replay_failures, replay_selected_failures,
// repair_failure, and repair_and_replay_failures.
type Service struct {
	store storage.Store
	log   *logger.Logger
	hooks core.ObservationHooks
	now   func() time.Time
}

// New builds a deadletter Service. log may be nil.
func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("deadletter")
	}
	return &Service{store: store, log: log, now: time.Now}
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
		Name:         "deadletter",
		Domain:       "connector",
		Layer:        core.LayerEngine,
		Capabilities: []string{"replay_failures", "repair_failure"},
	}
}

// ReplayDue claims up to limit pending failures for connectorName whose
// next_retry_at has elapsed and whose retry_count is still under the
// connector's max_retry, processing them sequentially.
func (s *Service) ReplayDue(ctx context.Context, connectorName string, limit int) (ReplayResult, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"connector": connectorName, "op": "replay_failures"})

	cfg, err := s.store.GetConnector(ctx, connectorName)
	if err != nil {
		done(err)
		return ReplayResult{}, err
	}

	due, err := s.store.ListDueFailures(ctx, s.now(), dueScanBatchSize)
	if err != nil {
		done(err)
		return ReplayResult{}, err
	}

	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetry
	}

	result := newReplayResult()
	for _, f := range due {
		if f.ConnectorName != connectorName {
			continue
		}
		if f.RetryCount >= maxRetry {
			continue
		}
		if limit > 0 && result.Picked >= limit {
			break
		}
		result.Picked++
		s.replayOne(ctx, f, cfg, &result)
	}
	done(nil)
	return result, nil
}

// ReplaySelected claims the exact failure ids, ignoring retry caps, for
// operator-driven reruns.
func (s *Service) ReplaySelected(ctx context.Context, connectorName string, failureIDs []int64) (ReplayResult, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"connector": connectorName, "op": "replay_selected_failures"})

	cfg, err := s.store.GetConnector(ctx, connectorName)
	if err != nil {
		done(err)
		return ReplayResult{}, err
	}

	result := newReplayResult()
	for _, id := range failureIDs {
		f, err := s.store.GetFailure(ctx, id)
		if err != nil {
			result.Errors[id] = err.Error()
			continue
		}
		if f.Status == connector.FailureReplayed {
			result.Errors[id] = "already replayed"
			continue
		}
		result.Picked++
		s.replayOne(ctx, f, cfg, &result)
	}
	done(nil)
	return result, nil
}

// RepairFailure merges the given patches into the stored payload, resets the
// failure to PENDING with next_retry_at = now, and optionally zeroes
// retry_count. At least one of RawRecord/Event must be non-empty.
func (s *Service) RepairFailure(ctx context.Context, patch RepairPatch) error {
	if len(patch.RawRecord) == 0 && len(patch.Event) == 0 {
		return apperrors.Validation("patch", "repair_failure requires at least one non-empty patch")
	}

	f, err := s.store.GetFailure(ctx, patch.FailureID)
	if err != nil {
		return err
	}

	if f.Payload.RawRecord == nil {
		f.Payload.RawRecord = map[string]any{}
	}
	for k, v := range patch.RawRecord {
		f.Payload.RawRecord[k] = v
	}
	if len(patch.Event) > 0 {
		if f.Payload.Event == nil {
			f.Payload.Event = map[string]any{}
		}
		for k, v := range patch.Event {
			f.Payload.Event[k] = v
		}
	}

	f.Status = connector.FailurePending
	now := s.now()
	f.NextRetryAt = &now
	if patch.ResetRetryCount {
		f.RetryCount = 0
	}
	return s.store.UpdateFailure(ctx, f)
}

// RepairAndReplay is the compound of per-item repair followed by a single
// manual replay over the successfully repaired ids.
func (s *Service) RepairAndReplay(ctx context.Context, connectorName string, patches []RepairPatch) (RepairAndReplayResult, error) {
	result := RepairAndReplayResult{Errors: map[int64]string{}}

	var repairedIDs []int64
	for _, p := range patches {
		if err := s.RepairFailure(ctx, p); err != nil {
			result.Errors[p.FailureID] = err.Error()
			continue
		}
		result.Repaired++
		repairedIDs = append(repairedIDs, p.FailureID)
	}

	if len(repairedIDs) == 0 {
		return result, nil
	}

	replay, err := s.ReplaySelected(ctx, connectorName, repairedIDs)
	if err != nil {
		return result, err
	}
	result.Picked = replay.Picked
	result.Replayed = replay.Replayed
	result.Failed = replay.Failed
	result.Dead = replay.Dead
	for id, msg := range replay.Errors {
		result.Errors[id] = msg
	}
	return result, nil
}

func (s *Service) replayOne(ctx context.Context, f connector.Failure, cfg connector.Connector, result *ReplayResult) {
	rec, err := s.reconstruct(ctx, cfg, f)
	if err != nil {
		s.handleReplayFailure(ctx, cfg, f, err, result)
		return
	}

	if _, err := s.store.IngestRecords(ctx, []event.Record{rec}); err != nil {
		s.handleReplayFailure(ctx, cfg, f, err, result)
		return
	}

	f.Status = connector.FailureReplayed
	f.LastError = ""
	f.NextRetryAt = nil
	if err := s.store.UpdateFailure(ctx, f); err != nil {
		s.log.WithError(err).WithField("failure_id", f.ID).Warn("failed to mark failure replayed")
	}
	result.Replayed++
}

// reconstruct rebuilds the event.Record to ingest: directly from
// payload.Event when present, otherwise by re-running the standardizer over
// payload.RawRecord against the currently active ruleset.
func (s *Service) reconstruct(ctx context.Context, cfg connector.Connector, f connector.Failure) (event.Record, error) {
	if len(f.Payload.Event) > 0 {
		return eventFromMap(cfg.SourceName, f.Payload.Event)
	}

	raw, err := rawRecordFromMap(f.Payload.RawRecord)
	if err != nil {
		return event.Record{}, err
	}

	ruleset, err := s.activeRuleset(ctx)
	if err != nil {
		return event.Record{}, err
	}

	reliability := 1.0
	if src, err := s.store.GetSource(ctx, cfg.SourceName); err == nil {
		reliability = src.ReliabilityScore
	}

	result, err := standardize.Standardize(cfg.SourceName, raw, ruleset, reliability)
	if err != nil {
		return event.Record{}, err
	}
	return result.Record, nil
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

func (s *Service) handleReplayFailure(ctx context.Context, cfg connector.Connector, f connector.Failure, cause error, result *ReplayResult) {
	result.Failed++
	result.Errors[f.ID] = cause.Error()

	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetry
	}
	backoffSeconds := cfg.ReplayBackoffSeconds
	if backoffSeconds <= 0 {
		backoffSeconds = defaultBackoffSeconds
	}

	f.LastError = cause.Error()
	if f.RetryCount+1 >= maxRetry {
		f.Status = connector.FailureDead
		f.NextRetryAt = nil
		result.Dead++
	} else {
		f.RetryCount++
		next := s.now().Add(backoffDuration(backoffSeconds, f.RetryCount))
		f.NextRetryAt = &next
	}
	if err := s.store.UpdateFailure(ctx, f); err != nil {
		s.log.WithError(err).WithField("failure_id", f.ID).Warn("failed to persist replay retry state")
	}
}

// backoffDuration implements backoff_seconds * 2^retry_count.
func backoffDuration(backoffSeconds, retryCount int) time.Duration {
	multiplier := int64(1) << uint(retryCount)
	return time.Duration(int64(backoffSeconds)*multiplier) * time.Second
}

func eventFromMap(sourceName string, m map[string]any) (event.Record, error) {
	rec := event.Record{
		SourceName: sourceName,
		EventID:    stringField(m, "event_id"),
		Symbol:     stringField(m, "symbol"),
		EventType:  stringField(m, "event_type"),
		Title:      stringField(m, "title"),
		Summary:    stringField(m, "summary"),
		RawRef:     stringField(m, "raw_ref"),
		Polarity:   event.Polarity(stringField(m, "polarity")),
	}
	if v, ok := m["score"]; ok {
		rec.Score = floatField(v)
	}
	if v, ok := m["confidence"]; ok {
		rec.Confidence = floatField(v)
	}
	publishTime, err := timeField(m["publish_time"])
	if err != nil {
		return event.Record{}, apperrors.Validation("event.publish_time", err.Error())
	}
	rec.PublishTime = publishTime
	if tags, ok := m["tags"].([]string); ok {
		rec.Tags = tags
	} else if tags, ok := m["tags"].([]any); ok {
		for _, t := range tags {
			if ts, ok := t.(string); ok {
				rec.Tags = append(rec.Tags, ts)
			}
		}
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		rec.Metadata = meta
	}
	if err := rec.Validate(); err != nil {
		return event.Record{}, err
	}
	return rec, nil
}

func rawRecordFromMap(m map[string]any) (standardize.RawRecord, error) {
	publishTime, err := timeField(m["publish_time"])
	if err != nil {
		return standardize.RawRecord{}, apperrors.Validation("raw_record.publish_time", err.Error())
	}
	return standardize.RawRecord{
		SourceEventID: stringField(m, "source_event_id"),
		Symbol:        stringField(m, "symbol"),
		DefaultSymbol: stringField(m, "default_symbol"),
		Title:         stringField(m, "title"),
		Summary:       stringField(m, "summary"),
		Content:       stringField(m, "content"),
		PublishTime:   publishTime,
		URL:           stringField(m, "url"),
	}, nil
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func floatField(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

// timeField tolerates both the in-process time.Time value (memory store) and
// the RFC3339 string it round-trips through as JSONB (postgres store).
func timeField(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", t, err)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
