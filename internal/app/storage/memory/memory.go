// Package memory implements storage.Store entirely in process memory, for
// unit tests and local development without a Postgres instance.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/apperrors"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
)

// Store is an in-memory, mutex-guarded implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	sources map[string]event.Source
	records map[string]map[string]event.Record // sourceName -> eventID -> record

	connectors  map[string]connector.Connector
	checkpoints map[string]connector.Checkpoint
	runs        map[string][]connector.Run

	nextFailureID int64
	failures      map[int64]connector.Failure

	sourceStates map[string]map[string]connector.SourceState // connectorName -> sourceKey -> state
	budgets      map[string]int                               // connectorName|sourceKey|windowHour -> count
	credCursors  map[string]int                               // connectorName|sourceKey -> cursor

	alertStates map[string]connector.AlertState // dedupeKey -> state
	history     []connector.HistoryPoint

	rulesets       map[string]nlpgov.Ruleset
	activeRuleset  string
	nextSnapshotID int64
	snapshots      []nlpgov.DriftSnapshot
	feedback       []nlpgov.FeedbackEntry
	consensus      map[string]nlpgov.Consensus // sourceName|eventID -> consensus
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		sources:      map[string]event.Source{},
		records:      map[string]map[string]event.Record{},
		connectors:   map[string]connector.Connector{},
		checkpoints:  map[string]connector.Checkpoint{},
		runs:         map[string][]connector.Run{},
		failures:     map[int64]connector.Failure{},
		sourceStates: map[string]map[string]connector.SourceState{},
		budgets:      map[string]int{},
		credCursors:  map[string]int{},
		alertStates:  map[string]connector.AlertState{},
		rulesets:     map[string]nlpgov.Ruleset{},
		consensus:    map[string]nlpgov.Consensus{},
	}
}

// --- EventStore ---

func (s *Store) RegisterSource(ctx context.Context, src event.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.SourceName] = src
	return nil
}

func (s *Store) GetSource(ctx context.Context, sourceName string) (event.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[sourceName]
	if !ok {
		return event.Source{}, apperrors.NotFound("event_source", sourceName)
	}
	return src, nil
}

func (s *Store) ListSources(ctx context.Context) ([]event.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]event.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceName < out[j].SourceName })
	return out, nil
}

func (s *Store) IngestRecords(ctx context.Context, records []event.Record) (event.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := event.IngestResult{}
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors, event.IngestRowError{Index: i, Message: err.Error()})
			continue
		}
		bucket, ok := s.records[rec.SourceName]
		if !ok {
			bucket = map[string]event.Record{}
			s.records[rec.SourceName] = bucket
		}
		if existing, ok := bucket[rec.EventID]; ok {
			rec.ID = existing.ID
			result.Updated++
		} else {
			rec.ID = int64(len(bucket) + 1)
			result.Inserted++
		}
		bucket[rec.EventID] = rec
	}
	return result, nil
}

func (s *Store) GetRecord(ctx context.Context, sourceName, eventID string) (event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.records[sourceName]
	if !ok {
		return event.Record{}, apperrors.NotFound("event_record", sourceName+"/"+eventID)
	}
	rec, ok := bucket[eventID]
	if !ok {
		return event.Record{}, apperrors.NotFound("event_record", sourceName+"/"+eventID)
	}
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context, filter event.ListFilter) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Record
	for sourceName, bucket := range s.records {
		if filter.SourceName != "" && filter.SourceName != sourceName {
			continue
		}
		for _, rec := range bucket {
			if filter.Symbol != "" && rec.Symbol != filter.Symbol {
				continue
			}
			if filter.EventType != "" && rec.EventType != filter.EventType {
				continue
			}
			if filter.Start != nil && rec.PublishTime.Before(*filter.Start) {
				continue
			}
			if filter.End != nil && rec.PublishTime.After(*filter.End) {
				continue
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishTime.Before(out[j].PublishTime) })

	limit := filter.Limit
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ConnectorStore ---

func (s *Store) GetConnector(ctx context.Context, connectorName string) (connector.Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connectors[connectorName]
	if !ok {
		return connector.Connector{}, apperrors.NotFound("connector", connectorName)
	}
	return c, nil
}

func (s *Store) ListConnectors(ctx context.Context, enabledOnly bool) ([]connector.Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]connector.Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		if enabledOnly && !c.Enabled {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorName < out[j].ConnectorName })
	return out, nil
}

func (s *Store) UpsertConnector(ctx context.Context, c connector.Connector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectors[c.ConnectorName] = c
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, connectorName string) (connector.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[connectorName]
	if !ok {
		return connector.Checkpoint{ConnectorName: connectorName}, nil
	}
	return cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp connector.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ConnectorName] = cp
	return nil
}

func (s *Store) InsertRun(ctx context.Context, run connector.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ConnectorName] = append(s.runs[run.ConnectorName], run)
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run connector.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[run.ConnectorName]
	for i, r := range runs {
		if r.RunID == run.RunID {
			runs[i] = run
			return nil
		}
	}
	return apperrors.NotFound("connector_run", run.RunID)
}

func (s *Store) ListRuns(ctx context.Context, connectorName string, limit int) ([]connector.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := append([]connector.Run(nil), s.runs[connectorName]...)
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// --- FailureStore ---

func (s *Store) InsertFailure(ctx context.Context, f connector.Failure) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFailureID++
	f.ID = s.nextFailureID
	s.failures[f.ID] = f
	return f.ID, nil
}

func (s *Store) GetFailure(ctx context.Context, id int64) (connector.Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.failures[id]
	if !ok {
		return connector.Failure{}, apperrors.NotFound("connector_failure", strconv.FormatInt(id, 10))
	}
	return f, nil
}

func (s *Store) ListDueFailures(ctx context.Context, now time.Time, limit int) ([]connector.Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []connector.Failure
	for _, f := range s.failures {
		if f.Status != connector.FailurePending {
			continue
		}
		if f.NextRetryAt != nil && f.NextRetryAt.After(now) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListFailuresByStatus(ctx context.Context, status connector.FailureStatus, limit int) ([]connector.Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []connector.Failure
	for _, f := range s.failures {
		if f.Status == status {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateFailure(ctx context.Context, f connector.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failures[f.ID]; !ok {
		return apperrors.NotFound("connector_failure", strconv.FormatInt(f.ID, 10))
	}
	s.failures[f.ID] = f
	return nil
}

// --- SourceStateStore ---

func stateKey(connectorName, sourceKey string) string { return connectorName + "|" + sourceKey }

func budgetKey(connectorName, sourceKey string, windowHour time.Time) string {
	return connectorName + "|" + sourceKey + "|" + windowHour.UTC().Format("2006-01-02T15")
}

func (s *Store) GetSourceStates(ctx context.Context, connectorName string) ([]connector.SourceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.sourceStates[connectorName]
	out := make([]connector.SourceState, 0, len(bucket))
	for _, st := range bucket {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceKey < out[j].SourceKey })
	return out, nil
}

func (s *Store) UpsertSourceState(ctx context.Context, st connector.SourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.sourceStates[st.ConnectorName]
	if !ok {
		bucket = map[string]connector.SourceState{}
		s.sourceStates[st.ConnectorName] = bucket
	}
	bucket[st.SourceKey] = st
	return nil
}

func (s *Store) GetBudgetUsage(ctx context.Context, connectorName, sourceKey string, windowHour time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.budgets[budgetKey(connectorName, sourceKey, windowHour)], nil
}

func (s *Store) IncrementBudgetUsage(ctx context.Context, connectorName, sourceKey string, windowHour time.Time, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := budgetKey(connectorName, sourceKey, windowHour)
	s.budgets[key] += delta
	return s.budgets[key], nil
}

func (s *Store) GetCredentialCursor(ctx context.Context, connectorName, sourceKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credCursors[stateKey(connectorName, sourceKey)], nil
}

func (s *Store) AdvanceCredentialCursor(ctx context.Context, connectorName, sourceKey string, aliasCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(connectorName, sourceKey)
	next := (s.credCursors[key] + 1) % maxInt(aliasCount, 1)
	s.credCursors[key] = next
	return next, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// --- SLAStore ---

func (s *Store) GetAlertState(ctx context.Context, dedupeKey string) (connector.AlertState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.alertStates[dedupeKey]
	return st, ok, nil
}

func (s *Store) UpsertAlertState(ctx context.Context, st connector.AlertState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertStates[st.DedupeKey] = st
	return nil
}

func (s *Store) ListOpenAlertStates(ctx context.Context) ([]connector.AlertState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []connector.AlertState
	for _, st := range s.alertStates {
		if st.IsOpen {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DedupeKey < out[j].DedupeKey })
	return out, nil
}

func (s *Store) InsertHistory(ctx context.Context, h connector.HistoryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

// --- NLPGovStore ---

func (s *Store) GetActiveRuleset(ctx context.Context) (nlpgov.Ruleset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeRuleset == "" {
		return nlpgov.Ruleset{}, false, nil
	}
	return s.rulesets[s.activeRuleset], true, nil
}

func (s *Store) ListRulesets(ctx context.Context) ([]nlpgov.Ruleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]nlpgov.Ruleset, 0, len(s.rulesets))
	for _, rs := range s.rulesets {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpsertRuleset inserts or updates a ruleset version without touching
// is_active on any row, including the one being written.
func (s *Store) UpsertRuleset(ctx context.Context, rs nlpgov.Ruleset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rulesets[rs.Version]; ok {
		rs.IsActive = existing.IsActive
		rs.CreatedAt = existing.CreatedAt
	} else {
		rs.IsActive = false
		rs.CreatedAt = time.Now().UTC()
	}
	s.rulesets[rs.Version] = rs
	return nil
}

func (s *Store) ActivateRuleset(ctx context.Context, rs nlpgov.Ruleset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rulesets[rs.Version]; ok && rs.CreatedAt.IsZero() {
		rs.CreatedAt = existing.CreatedAt
	}
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now().UTC()
	}
	rs.IsActive = true
	s.rulesets[rs.Version] = rs
	s.activeRuleset = rs.Version
	for version, existing := range s.rulesets {
		if version != rs.Version {
			existing.IsActive = false
			s.rulesets[version] = existing
		}
	}
	return nil
}

func (s *Store) InsertDriftSnapshot(ctx context.Context, snap nlpgov.DriftSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSnapshotID++
	snap.ID = s.nextSnapshotID
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	s.snapshots = append(s.snapshots, snap)
	return snap.ID, nil
}

func (s *Store) ListDriftSnapshots(ctx context.Context, sourceName string, limit int) ([]nlpgov.DriftSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []nlpgov.DriftSnapshot
	for _, snap := range s.snapshots {
		if sourceName != "" && snap.SourceName != sourceName {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertFeedback(ctx context.Context, fb nlpgov.FeedbackEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, fb)
	return nil
}

func (s *Store) ListFeedback(ctx context.Context, sourceName, eventID string) ([]nlpgov.FeedbackEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []nlpgov.FeedbackEntry
	for _, fb := range s.feedback {
		if fb.SourceName == sourceName && fb.EventID == eventID {
			out = append(out, fb)
		}
	}
	return out, nil
}

func (s *Store) UpsertConsensus(ctx context.Context, c nlpgov.Consensus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensus[c.SourceName+"|"+c.EventID] = c
	return nil
}

func (s *Store) GetConsensus(ctx context.Context, sourceName, eventID string) (nlpgov.Consensus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consensus[sourceName+"|"+eventID]
	return c, ok, nil
}
