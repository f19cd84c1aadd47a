// Package storage defines the persistence interfaces for the event-
// ingestion and governance subsystem. Two implementations exist:
// postgres (production) and memory (tests and local development).
package storage

import (
	"context"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
)

// EventStore persists event sources and standardized event records (C1).
type EventStore interface {
	RegisterSource(ctx context.Context, src event.Source) error
	GetSource(ctx context.Context, sourceName string) (event.Source, error)
	ListSources(ctx context.Context) ([]event.Source, error)

	// IngestRecords upserts records keyed by (source_name, event_id); it
	// reports how many rows were newly inserted vs. updated in place.
	IngestRecords(ctx context.Context, records []event.Record) (event.IngestResult, error)
	GetRecord(ctx context.Context, sourceName, eventID string) (event.Record, error)
	ListRecords(ctx context.Context, filter event.ListFilter) ([]event.Record, error)
}

// ConnectorStore persists connector configuration, checkpoints, and run
// history (C3/C5).
type ConnectorStore interface {
	GetConnector(ctx context.Context, connectorName string) (connector.Connector, error)
	ListConnectors(ctx context.Context, enabledOnly bool) ([]connector.Connector, error)
	UpsertConnector(ctx context.Context, c connector.Connector) error

	GetCheckpoint(ctx context.Context, connectorName string) (connector.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp connector.Checkpoint) error

	InsertRun(ctx context.Context, run connector.Run) error
	UpdateRun(ctx context.Context, run connector.Run) error
	ListRuns(ctx context.Context, connectorName string, limit int) ([]connector.Run, error)
}

// FailureStore persists dead-letter rows for the replay engine (C6).
type FailureStore interface {
	InsertFailure(ctx context.Context, f connector.Failure) (int64, error)
	GetFailure(ctx context.Context, id int64) (connector.Failure, error)
	ListDueFailures(ctx context.Context, now time.Time, limit int) ([]connector.Failure, error)
	ListFailuresByStatus(ctx context.Context, status connector.FailureStatus, limit int) ([]connector.Failure, error)
	UpdateFailure(ctx context.Context, f connector.Failure) error
}

// SourceStateStore persists the per-(connector, source_key) health matrix,
// hourly request budgets, and credential rotation cursors (C4).
type SourceStateStore interface {
	GetSourceStates(ctx context.Context, connectorName string) ([]connector.SourceState, error)
	UpsertSourceState(ctx context.Context, s connector.SourceState) error

	GetBudgetUsage(ctx context.Context, connectorName, sourceKey string, windowHour time.Time) (int, error)
	IncrementBudgetUsage(ctx context.Context, connectorName, sourceKey string, windowHour time.Time, delta int) (int, error)

	GetCredentialCursor(ctx context.Context, connectorName, sourceKey string) (int, error)
	AdvanceCredentialCursor(ctx context.Context, connectorName, sourceKey string, aliasCount int) (int, error)
}

// SLAStore persists SLA alert state and append-only history (C7).
type SLAStore interface {
	GetAlertState(ctx context.Context, dedupeKey string) (connector.AlertState, bool, error)
	UpsertAlertState(ctx context.Context, s connector.AlertState) error
	ListOpenAlertStates(ctx context.Context) ([]connector.AlertState, error)
	InsertHistory(ctx context.Context, h connector.HistoryPoint) error
}

// NLPGovStore persists rulesets, drift snapshots, feedback, and consensus
// rows for the NLP governance layer (C8).
type NLPGovStore interface {
	GetActiveRuleset(ctx context.Context) (nlpgov.Ruleset, bool, error)
	ListRulesets(ctx context.Context) ([]nlpgov.Ruleset, error)
	// UpsertRuleset inserts or updates a ruleset version without touching
	// is_active on any row, including the one being written.
	UpsertRuleset(ctx context.Context, rs nlpgov.Ruleset) error
	ActivateRuleset(ctx context.Context, rs nlpgov.Ruleset) error

	InsertDriftSnapshot(ctx context.Context, snap nlpgov.DriftSnapshot) (int64, error)
	ListDriftSnapshots(ctx context.Context, sourceName string, limit int) ([]nlpgov.DriftSnapshot, error)

	InsertFeedback(ctx context.Context, fb nlpgov.FeedbackEntry) error
	ListFeedback(ctx context.Context, sourceName, eventID string) ([]nlpgov.FeedbackEntry, error)
	UpsertConsensus(ctx context.Context, c nlpgov.Consensus) error
	GetConsensus(ctx context.Context, sourceName, eventID string) (nlpgov.Consensus, bool, error)
}

// Store aggregates every segregated interface; services depend on the
// narrowest interface they need, while wiring code depends on Store.
type Store interface {
	EventStore
	ConnectorStore
	FailureStore
	SourceStateStore
	SLAStore
	NLPGovStore
}
