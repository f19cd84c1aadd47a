// Package nlpgov models the governance layer around the NLP standardizer:
// versioned rulesets, drift snapshots, feedback, and multi-labeler consensus.
package nlpgov

import (
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
)

// Rule is one pattern-matching rule inside a ruleset.
type Rule struct {
	RuleID   string           `json:"rule_id"`
	EventType string          `json:"event_type"`
	Polarity event.Polarity   `json:"polarity"`
	Weight   float64          `json:"weight"`
	Tag      string           `json:"tag"`
	Patterns []string         `json:"patterns"`
}

// Ruleset is an immutable, versioned set of rules. At most one ruleset is
// active at any time.
type Ruleset struct {
	Version   string
	CreatedBy string
	Note      string
	IsActive  bool
	Rules     []Rule
	CreatedAt time.Time
}

// BuiltinRuleset is used when no ruleset has ever been activated (§4.2).
func BuiltinRuleset() Ruleset {
	return Ruleset{
		Version:  "builtin-v1",
		IsActive: true,
		Rules: []Rule{
			{RuleID: "builtin-earnings-beat", EventType: "earnings_beat", Polarity: event.PolarityPositive, Weight: 0.7, Tag: "earnings", Patterns: []string{"业绩预增", "净利润同比增长", "超预期"}},
			{RuleID: "builtin-earnings-miss", EventType: "earnings_miss", Polarity: event.PolarityNegative, Weight: 0.7, Tag: "earnings", Patterns: []string{"业绩预减", "净利润同比下降", "业绩预亏"}},
			{RuleID: "builtin-buyback", EventType: "share_buyback", Polarity: event.PolarityPositive, Weight: 0.5, Tag: "capital", Patterns: []string{"回购股份", "股份回购"}},
			{RuleID: "builtin-regulatory", EventType: "regulatory_action", Polarity: event.PolarityNegative, Weight: 0.6, Tag: "compliance", Patterns: []string{"立案调查", "行政处罚", "监管函"}},
			{RuleID: "builtin-shareholder-reduce", EventType: "shareholder_reduction", Polarity: event.PolarityNegative, Weight: 0.4, Tag: "ownership", Patterns: []string{"减持计划", "股东减持"}},
		},
	}
}

// DriftWindow is a labeled date range used to describe a current or
// baseline comparison window.
type DriftWindow struct {
	Start time.Time
	End   time.Time
}

// WindowMetrics is the set of NLP health metrics computed over one window
// (§4.8 window_metrics).
type WindowMetrics struct {
	SampleSize      int
	HitRate         float64
	ScoreMean       float64
	ScoreP10        float64
	ScoreP50        float64
	ScoreP90        float64
	PositiveRatio   float64
	NegativeRatio   float64
	NeutralRatio    float64
	TopEventTypes   []EventTypeCount
	RulesetVersion  string
}

// EventTypeCount is one entry of the top-8 event type breakdown.
type EventTypeCount struct {
	EventType string
	Count     int
}

// AlertSeverity classifies a drift alert.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// DriftAlert is one threshold crossing detected during a drift check.
type DriftAlert struct {
	Metric   string
	Severity AlertSeverity
	Delta    float64
	Message  string
}

// DriftSnapshot is a persisted comparison of a current window against a
// baseline window.
type DriftSnapshot struct {
	ID                               int64
	SourceName                       string
	RulesetVersion                   string
	CurrentWindow                    DriftWindow
	BaselineWindow                   DriftWindow
	SampleSize                       int
	CurrentMetrics                   WindowMetrics
	BaselineMetrics                  WindowMetrics
	HitRateDelta                     float64
	ScoreP50Delta                    float64
	ContributionDelta                *float64
	FeedbackPolarityAccuracyDelta    *float64
	FeedbackEventTypeAccuracyDelta   *float64
	Alerts                           []DriftAlert
	CreatedAt                        time.Time
}

// RiskLevel summarizes the latest_risk_level computed by the drift monitor.
type RiskLevel string

const (
	RiskInfo     RiskLevel = "INFO"
	RiskWarning  RiskLevel = "WARNING"
	RiskCritical RiskLevel = "CRITICAL"
)

// MonitorSummary is the result of drift_monitor (§4.8).
type MonitorSummary struct {
	Snapshots       []DriftSnapshot
	LatestRiskLevel RiskLevel
	HitRateTrend    float64
	ScoreP50Trend   float64
}

// FeedbackEntry is one labeler's correction for a specific event.
type FeedbackEntry struct {
	SourceName string
	EventID    string
	Labeler    string
	EventType  string
	Polarity   event.Polarity
	Score      *float64
}

// Consensus is the adjudicated label set for one (source_name, event_id).
type Consensus struct {
	SourceName         string
	EventID            string
	ConsensusEventType string
	ConsensusPolarity  event.Polarity
	ConsensusScore     float64
	Confidence         float64
	LabelCount         int
	HasConflict        bool
	ConflictReasons    []string
}

// ContributionComparator is supplied by the caller; the core never imports a
// concrete backtest package (§9 design note).
type ContributionComparator interface {
	Compare(symbol, strategy string, start, end time.Time) (ContributionDelta, error)
}

// ContributionDelta is the subset of the external comparator's output the
// drift check consumes.
type ContributionDelta struct {
	TotalReturnDelta float64
	SharpeDelta      float64
	EventRowRatio    float64
	EventsLoaded     int
}
