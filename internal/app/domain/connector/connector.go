// Package connector defines the data model for connectors, their run
// history, failure records, and source-matrix state.
package connector

import (
	"errors"
	"fmt"
	"time"
)

// ErrAllCandidatesFailed is returned by the connector runtime when every
// source-matrix candidate attempted in a run failed. It resolves the open
// question in SPEC_FULL.md §9: callers match on this type via errors.As,
// while Error() keeps the original operator-facing string stable.
type ErrAllCandidatesFailed struct {
	ConnectorName string
	Attempts      []SourceAttempt
}

func (e *ErrAllCandidatesFailed) Error() string {
	return fmt.Sprintf("all source matrix candidates failed for connector %q (%d attempted)", e.ConnectorName, len(e.Attempts))
}

// IsAllCandidatesFailed reports whether err is an *ErrAllCandidatesFailed.
func IsAllCandidatesFailed(err error) bool {
	var target *ErrAllCandidatesFailed
	return errors.As(err, &target)
}

// Type identifies an adapter implementation.
type Type string

const (
	TypeFile                 Type = "file"
	TypeHTTPJSON             Type = "http_json"
	TypeTushareAnnouncement  Type = "tushare_announcement"
	TypeAkshareAnnouncement  Type = "akshare_announcement"
)

// FailoverConfig controls source-matrix candidate selection (§4.4).
type FailoverConfig struct {
	Enabled             bool
	HealthThreshold     float64
	MaxCandidatesPerRun int
}

// SLAThreshold holds the ascending (warning, critical, escalation) triple for
// one SLA axis.
type SLAThreshold struct {
	Warning    float64
	Critical   float64
	Escalation float64
}

// Valid reports whether the thresholds are in non-decreasing order, as
// required by the §8 boundary behavior.
func (t SLAThreshold) Valid() bool {
	return t.Warning <= t.Critical && t.Critical <= t.Escalation
}

// SLAPolicy merges per-connector overrides over defaults for the three axes.
type SLAPolicy struct {
	Freshness SLAThreshold
	Pending   SLAThreshold
	Dead      SLAThreshold
}

// SourceCandidate is one configured entry of a connector's source_matrix.
type SourceCandidate struct {
	SourceKey      string
	ConnectorType  Type
	Priority       int
	Enabled        bool
	Config         map[string]any
	RequestBudget  int // requests allowed per UTC clock hour, 0 = unlimited
	CredentialAliases []string
}

// Connector is a configured ingestion pipeline.
type Connector struct {
	ID                   int64
	ConnectorName        string
	SourceName           string
	ConnectorType        Type
	Enabled              bool
	FetchLimit           int
	PollIntervalMinutes  int
	ReplayBackoffSeconds int
	MaxRetry             int
	SourceMatrix         []SourceCandidate
	Failover             FailoverConfig
	SLA                  SLAPolicy
	RunbookURL           string
	CreatedBy            string
	Note                 string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Checkpoint is the high-water mark advanced on successful, non-dry runs.
type Checkpoint struct {
	ConnectorName         string
	Cursor                string
	PublishTime           *time.Time
	LastRunAt             *time.Time
	LastSuccessAt         *time.Time
	UpdatedAt             time.Time
}

// RunStatus is the lifecycle state of a ConnectorRun.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunPartial RunStatus = "PARTIAL"
	RunFailed  RunStatus = "FAILED"
	RunDryRun  RunStatus = "DRY_RUN"
)

// SourceAttemptStatus records the outcome of one candidate attempt.
type SourceAttemptStatus string

const (
	AttemptSuccess      SourceAttemptStatus = "SUCCESS"
	AttemptFailed       SourceAttemptStatus = "FAILED"
	AttemptSkippedBudget SourceAttemptStatus = "SKIPPED_BUDGET"
)

// SourceAttempt is one candidate attempted during a run.
type SourceAttempt struct {
	SourceKey        string
	CredentialAlias  string
	Status           SourceAttemptStatus
	LatencyMs        int64
	Error            string
}

// RunDetails is the free-form diagnostic payload stored with each run.
type RunDetails struct {
	Enabled             bool
	DryRun              bool
	ForceFullSync       bool
	FailoverEnabled     bool
	SourceMatrixCount   int
	SelectedSourceKey   string
	SourceAttempts      []SourceAttempt
}

// Run is one execution of a connector.
type Run struct {
	RunID            string
	ConnectorName    string
	SourceName       string
	StartedAt        time.Time
	FinishedAt       *time.Time
	Status           RunStatus
	TriggeredBy      string
	PulledCount      int
	NormalizedCount  int
	InsertedCount    int
	UpdatedCount     int
	FailedCount      int
	ReplayedCount    int
	CheckpointBefore string
	CheckpointAfter  string
	ErrorMessage     string
	Details          RunDetails
}

// FailureStatus is the lifecycle state of a ConnectorFailure.
type FailureStatus string

const (
	FailurePending  FailureStatus = "PENDING"
	FailureReplayed FailureStatus = "REPLAYED"
	FailureDead     FailureStatus = "DEAD"
)

// FailurePhase identifies where in the pipeline a failure occurred.
type FailurePhase string

const (
	PhaseNormalize FailurePhase = "normalize"
	PhaseIngest    FailurePhase = "ingest"
)

// FailurePayload is the reconstructable state needed to repair and replay a
// failed row.
type FailurePayload struct {
	Phase      FailurePhase
	RawRecord  map[string]any
	Event      map[string]any
	SourceKey  string
	Error      string
}

// Failure is a claimable, repairable dead-letter row.
type Failure struct {
	ID          int64
	ConnectorName string
	SourceName    string
	RunID         string
	Status        FailureStatus
	RetryCount    int
	NextRetryAt   *time.Time
	LastError     string
	Payload       FailurePayload
}

// SourceState is the per-(connector, source_key) health and cursor record.
type SourceState struct {
	ConnectorName        string
	SourceKey            string
	ConnectorType        Type
	Priority             int
	Enabled              bool
	HealthScore          float64
	ConsecutiveFailures  int
	TotalSuccess         int
	TotalFailures        int
	LastLatencyMs        *int64
	LastError            string
	LastAttemptAt        *time.Time
	LastSuccessAt        *time.Time
	LastFailureAt        *time.Time
	CheckpointCursor     string
	CheckpointPublish    *time.Time
	IsActive             bool
}

// EffectiveHealth applies the staleness penalty from §3's SourceState
// invariant: effective = max(0, health - staleness_penalty).
func (s SourceState) EffectiveHealth(now time.Time) float64 {
	penalty := 0.0
	if s.LastAttemptAt != nil {
		minutes := now.Sub(*s.LastAttemptAt).Minutes()
		penalty = minutes / 30
		if penalty > 20 {
			penalty = 20
		}
		if penalty < 0 {
			penalty = 0
		}
	}
	effective := s.HealthScore - penalty
	if effective < 0 {
		return 0
	}
	return effective
}

// SLAAlertStage is the escalation stage of an open alert.
type SLAAlertStage string

const (
	StageWarning   SLAAlertStage = "warning"
	StageCritical  SLAAlertStage = "critical"
	StageEscalated SLAAlertStage = "escalated"
)

// Severity is the coarse classification attached to a breach/alert.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// BreachType identifies which SLA axis triggered.
type BreachType string

const (
	BreachFreshness BreachType = "freshness"
	BreachPending   BreachType = "pending_failures"
	BreachDead      BreachType = "dead_failures"
)

// Breach is one threshold crossing produced by evaluate_sla.
type Breach struct {
	ConnectorName     string
	SourceName        string
	BreachType        BreachType
	Severity          Severity
	Stage             SLAAlertStage
	Message           string
	FreshnessMinutes  *int
	PendingFailures   int
	DeadFailures      int
}

// DedupeKey returns the "{connector_name}|{breach_type}" key used to
// deduplicate alert state.
func (b Breach) DedupeKey() string {
	return b.ConnectorName + "|" + string(b.BreachType)
}

// AlertState is the persisted, deduplicated view of an SLA breach.
type AlertState struct {
	DedupeKey        string
	ConnectorName    string
	BreachType       BreachType
	Severity         Severity
	Stage            SLAAlertStage
	FirstSeenAt      time.Time
	LastSeenAt       time.Time
	LastEmittedAt    *time.Time
	LastRecoveredAt  *time.Time
	LastEscalatedAt  *time.Time
	RepeatCount      int
	EscalationLevel  int
	EscalationReason string
	IsOpen           bool
	Message          string
}

// HistoryPoint is one append-only SLA observation.
type HistoryPoint struct {
	ObservedAt       time.Time
	ConnectorName    string
	SourceName       string
	BreachType       BreachType
	Severity         Severity
	Stage            SLAAlertStage
	FreshnessMinutes *int
	PendingFailures  int
	DeadFailures     int
	Message          string
}
