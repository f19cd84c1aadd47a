// Package nlpgovernance implements the NLP governance layer (C8): ruleset
// lifecycle, drift detection against a baseline window, drift history
// summarization, and multi-labeler consensus adjudication.
package nlpgovernance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	core "github.com/cn-equity-research/eventgov/internal/app/core/service"
	"github.com/cn-equity-research/eventgov/internal/app/apperrors"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
	"github.com/cn-equity-research/eventgov/internal/app/storage"
	"github.com/cn-equity-research/eventgov/pkg/logger"
)

// conflictScoreStdDev is the threshold at or above which disagreement on score
// alone is treated as a conflict even when event_type/polarity agree.
const conflictScoreStdDev = 0.18

// DriftThresholds parameterize the warning/critical bands for each tracked
// delta. A negative delta means the current window is worse than baseline;
// thresholds are expressed as magnitudes of that decline.
type DriftThresholds struct {
	HitRateWarning           float64
	HitRateCritical          float64
	ScoreP50Warning          float64
	ScoreP50Critical         float64
	ContributionWarning      float64
	ContributionCritical     float64
	FeedbackAccuracyWarning  float64
	FeedbackAccuracyCritical float64
}

// DefaultDriftThresholds is an Open Question resolution (DESIGN.md): no
// concrete bands are specified, so these mirror the magnitude of change a
// human reviewer would consider notable for each metric.
func DefaultDriftThresholds() DriftThresholds {
	return DriftThresholds{
		HitRateWarning:           0.05,
		HitRateCritical:          0.15,
		ScoreP50Warning:          0.05,
		ScoreP50Critical:         0.15,
		ContributionWarning:      0.02,
		ContributionCritical:     0.05,
		FeedbackAccuracyWarning:  0.05,
		FeedbackAccuracyCritical: 0.15,
	}
}

func (t DriftThresholds) isZero() bool {
	return t.HitRateWarning == 0 && t.HitRateCritical == 0 &&
		t.ScoreP50Warning == 0 && t.ScoreP50Critical == 0 &&
		t.ContributionWarning == 0 && t.ContributionCritical == 0 &&
		t.FeedbackAccuracyWarning == 0 && t.FeedbackAccuracyCritical == 0
}

// DriftCheckRequest is the input to DriftCheck.
type DriftCheckRequest struct {
	SourceName     string
	CurrentWindow  nlpgov.DriftWindow
	BaselineWindow *nlpgov.DriftWindow
	Thresholds     DriftThresholds

	Comparator nlpgov.ContributionComparator
	Symbol     string
	Strategy   string

	FeedbackMinSamples int

	Persist bool
}

// DriftCheckResult bundles the computed snapshot and the id it was
// persisted under, if requested.
type DriftCheckResult struct {
	Snapshot   nlpgov.DriftSnapshot
	SnapshotID int64
}

// Service implements upsert_ruleset, activate_ruleset, get_active_ruleset,
// list_rulesets, drift_check, drift_monitor, and adjudicate_labels.
type Service struct {
	store storage.Store
	log   *logger.Logger
	hooks core.ObservationHooks
	now   func() time.Time
}

// New builds a nlpgovernance Service. log may be nil.
func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("nlpgovernance")
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
		Name:         "nlpgovernance",
		Domain:       "nlp",
		Layer:        core.LayerEngine,
		Capabilities: []string{"upsert_ruleset", "activate_ruleset", "drift_check", "adjudicate_labels"},
	}
}

// UpsertRuleset stages a ruleset version, optionally activating it in the
// same call.
func (s *Service) UpsertRuleset(ctx context.Context, rs nlpgov.Ruleset, activate bool) error {
	if rs.Version == "" {
		return apperrors.Validation("version", "ruleset version must not be empty")
	}
	if len(rs.Rules) == 0 {
		return apperrors.Validation("rules", "ruleset must carry at least one rule")
	}
	if activate {
		return s.store.ActivateRuleset(ctx, rs)
	}
	return s.store.UpsertRuleset(ctx, rs)
}

// ActivateRuleset atomically deactivates every other ruleset and activates
// the named version.
func (s *Service) ActivateRuleset(ctx context.Context, version string) error {
	rs, err := s.findRuleset(ctx, version)
	if err != nil {
		return err
	}
	return s.store.ActivateRuleset(ctx, rs)
}

// GetActiveRuleset returns the single active ruleset, or BuiltinRuleset when
// none has ever been activated.
func (s *Service) GetActiveRuleset(ctx context.Context) (nlpgov.Ruleset, error) {
	rs, ok, err := s.store.GetActiveRuleset(ctx)
	if err != nil {
		return nlpgov.Ruleset{}, err
	}
	if !ok {
		return nlpgov.BuiltinRuleset(), nil
	}
	return rs, nil
}

// ListRulesets returns every stored ruleset, newest-first.
func (s *Service) ListRulesets(ctx context.Context) ([]nlpgov.Ruleset, error) {
	return s.store.ListRulesets(ctx)
}

func (s *Service) findRuleset(ctx context.Context, version string) (nlpgov.Ruleset, error) {
	all, err := s.store.ListRulesets(ctx)
	if err != nil {
		return nlpgov.Ruleset{}, err
	}
	for _, rs := range all {
		if rs.Version == version {
			return rs, nil
		}
	}
	return nlpgov.Ruleset{}, apperrors.NotFound("nlp_ruleset", version)
}

// DriftCheck computes window_metrics for the current window and a baseline
// (explicit or the immediately preceding window of the same span), emits
// threshold alerts, and optionally persists a snapshot.
func (s *Service) DriftCheck(ctx context.Context, req DriftCheckRequest) (DriftCheckResult, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"source": req.SourceName, "op": "drift_check"})

	if req.CurrentWindow.End.Before(req.CurrentWindow.Start) {
		err := apperrors.Validation("current_window", "end must not precede start")
		done(err)
		return DriftCheckResult{}, err
	}

	baseline := req.BaselineWindow
	if baseline == nil {
		span := req.CurrentWindow.End.Sub(req.CurrentWindow.Start)
		baseline = &nlpgov.DriftWindow{Start: req.CurrentWindow.Start.Add(-span), End: req.CurrentWindow.Start}
	}

	currentRecords, err := s.recordsInWindow(ctx, req.SourceName, req.CurrentWindow)
	if err != nil {
		done(err)
		return DriftCheckResult{}, err
	}
	baselineRecords, err := s.recordsInWindow(ctx, req.SourceName, *baseline)
	if err != nil {
		done(err)
		return DriftCheckResult{}, err
	}

	currentMetrics := windowMetrics(currentRecords)
	baselineMetrics := windowMetrics(baselineRecords)

	thresholds := req.Thresholds
	if thresholds.isZero() {
		thresholds = DefaultDriftThresholds()
	}

	hitRateDelta := currentMetrics.HitRate - baselineMetrics.HitRate
	scoreP50Delta := currentMetrics.ScoreP50 - baselineMetrics.ScoreP50

	var alerts []nlpgov.DriftAlert
	if alert, ok := driftAlert("hit_rate", hitRateDelta, thresholds.HitRateWarning, thresholds.HitRateCritical); ok {
		alerts = append(alerts, alert)
	}
	if alert, ok := driftAlert("score_p50", scoreP50Delta, thresholds.ScoreP50Warning, thresholds.ScoreP50Critical); ok {
		alerts = append(alerts, alert)
	}

	snapshot := nlpgov.DriftSnapshot{
		SourceName:      req.SourceName,
		RulesetVersion:  currentMetrics.RulesetVersion,
		CurrentWindow:   req.CurrentWindow,
		BaselineWindow:  *baseline,
		SampleSize:      currentMetrics.SampleSize,
		CurrentMetrics:  currentMetrics,
		BaselineMetrics: baselineMetrics,
		HitRateDelta:    hitRateDelta,
		ScoreP50Delta:   scoreP50Delta,
	}

	if req.Comparator != nil {
		contribDelta, err := s.contributionDelta(req, *baseline)
		if err != nil {
			s.log.WithError(err).WithField("source", req.SourceName).Warn("contribution compare failed; skipping")
		} else {
			snapshot.ContributionDelta = &contribDelta
			if alert, ok := driftAlert("contribution", contribDelta, thresholds.ContributionWarning, thresholds.ContributionCritical); ok {
				alerts = append(alerts, alert)
			}
		}
	}

	if req.FeedbackMinSamples > 0 {
		currentAcc, currentSamples := feedbackAccuracy(ctx, s.store, currentRecords)
		baselineAcc, baselineSamples := feedbackAccuracy(ctx, s.store, baselineRecords)
		if currentSamples >= req.FeedbackMinSamples && baselineSamples >= req.FeedbackMinSamples {
			polarityDelta := currentAcc.polarity - baselineAcc.polarity
			eventTypeDelta := currentAcc.eventType - baselineAcc.eventType
			snapshot.FeedbackPolarityAccuracyDelta = &polarityDelta
			snapshot.FeedbackEventTypeAccuracyDelta = &eventTypeDelta
			if alert, ok := driftAlert("feedback_polarity_accuracy", polarityDelta, thresholds.FeedbackAccuracyWarning, thresholds.FeedbackAccuracyCritical); ok {
				alerts = append(alerts, alert)
			}
			if alert, ok := driftAlert("feedback_event_type_accuracy", eventTypeDelta, thresholds.FeedbackAccuracyWarning, thresholds.FeedbackAccuracyCritical); ok {
				alerts = append(alerts, alert)
			}
		}
	}

	snapshot.Alerts = alerts

	result := DriftCheckResult{Snapshot: snapshot}
	if req.Persist {
		id, err := s.store.InsertDriftSnapshot(ctx, snapshot)
		if err != nil {
			done(err)
			return DriftCheckResult{}, err
		}
		result.SnapshotID = id
		result.Snapshot.ID = id
	}

	done(nil)
	return result, nil
}

func (s *Service) recordsInWindow(ctx context.Context, sourceName string, w nlpgov.DriftWindow) ([]event.Record, error) {
	start, end := w.Start, w.End
	return s.store.ListRecords(ctx, event.ListFilter{SourceName: sourceName, Start: &start, End: &end})
}

func (s *Service) contributionDelta(req DriftCheckRequest, baseline nlpgov.DriftWindow) (float64, error) {
	current, err := req.Comparator.Compare(req.Symbol, req.Strategy, req.CurrentWindow.Start, req.CurrentWindow.End)
	if err != nil {
		return 0, fmt.Errorf("compare current window: %w", err)
	}
	base, err := req.Comparator.Compare(req.Symbol, req.Strategy, baseline.Start, baseline.End)
	if err != nil {
		return 0, fmt.Errorf("compare baseline window: %w", err)
	}
	return current.TotalReturnDelta - base.TotalReturnDelta, nil
}

// driftAlert returns an alert when delta has declined past the warning or
// critical magnitude; critical supersedes warning for the same metric.
func driftAlert(metric string, delta, warning, critical float64) (nlpgov.DriftAlert, bool) {
	switch {
	case critical > 0 && delta <= -critical:
		return nlpgov.DriftAlert{Metric: metric, Severity: nlpgov.SeverityCritical, Delta: delta, Message: fmt.Sprintf("%s declined by %.4f (critical)", metric, -delta)}, true
	case warning > 0 && delta <= -warning:
		return nlpgov.DriftAlert{Metric: metric, Severity: nlpgov.SeverityWarning, Delta: delta, Message: fmt.Sprintf("%s declined by %.4f (warning)", metric, -delta)}, true
	default:
		return nlpgov.DriftAlert{}, false
	}
}

// windowMetrics computes hit_rate, score distribution, polarity ratios, and
// top_event_types over a set of records (§4.8 window_metrics).
func windowMetrics(records []event.Record) nlpgov.WindowMetrics {
	m := nlpgov.WindowMetrics{SampleSize: len(records)}
	if len(records) == 0 {
		return m
	}

	var hits int
	var scores []float64
	var pos, neg, neu int
	typeCounts := map[string]int{}
	versionCounts := map[string]int{}

	for _, r := range records {
		if matched, _ := r.Metadata["matched_rules"].(string); matched != "" && r.EventType != "generic_announcement" {
			hits++
		}
		scores = append(scores, r.Score)
		switch r.Polarity {
		case event.PolarityPositive:
			pos++
		case event.PolarityNegative:
			neg++
		default:
			neu++
		}
		typeCounts[r.EventType]++
		if v, _ := r.Metadata["nlp_ruleset_version"].(string); v != "" {
			versionCounts[v]++
		}
	}

	n := float64(len(records))
	m.HitRate = float64(hits) / n
	m.PositiveRatio = float64(pos) / n
	m.NegativeRatio = float64(neg) / n
	m.NeutralRatio = float64(neu) / n
	m.ScoreMean = mean(scores)
	m.ScoreP10 = quantile(scores, 0.10)
	m.ScoreP50 = quantile(scores, 0.50)
	m.ScoreP90 = quantile(scores, 0.90)
	m.TopEventTypes = topEventTypes(typeCounts, 8)
	m.RulesetVersion = modeString(versionCounts)
	return m
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// quantile computes the linear-interpolated quantile (matching numpy's
// default "linear" method) over an unsorted slice.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func topEventTypes(counts map[string]int, limit int) []nlpgov.EventTypeCount {
	out := make([]nlpgov.EventTypeCount, 0, len(counts))
	for eventType, count := range counts {
		out = append(out, nlpgov.EventTypeCount{EventType: eventType, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].EventType < out[j].EventType
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func modeString(counts map[string]int) string {
	var best string
	var bestCount int
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestCount {
			best = k
			bestCount = counts[k]
		}
	}
	return best
}

type accuracy struct {
	polarity  float64
	eventType float64
}

// feedbackAccuracy compares every labeler correction recorded against the
// standardized record it targets, returning the agreement rate for polarity
// and event_type plus the number of feedback rows considered.
func feedbackAccuracy(ctx context.Context, store storage.Store, records []event.Record) (accuracy, int) {
	var polarityAgree, eventTypeAgree, total int
	for _, rec := range records {
		entries, err := store.ListFeedback(ctx, rec.SourceName, rec.EventID)
		if err != nil || len(entries) == 0 {
			continue
		}
		for _, fb := range entries {
			total++
			if fb.Polarity == rec.Polarity {
				polarityAgree++
			}
			if fb.EventType == rec.EventType {
				eventTypeAgree++
			}
		}
	}
	if total == 0 {
		return accuracy{}, 0
	}
	return accuracy{
		polarity:  float64(polarityAgree) / float64(total),
		eventType: float64(eventTypeAgree) / float64(total),
	}, total
}

// DriftMonitor pulls the most recent snapshots for a source and summarizes
// the current risk posture and trend.
func (s *Service) DriftMonitor(ctx context.Context, sourceName string, limit int) (nlpgov.MonitorSummary, error) {
	// A zero lookback_days means "no points", not "unbounded" — the store's
	// limit==0 convention is the inverse of this method's contract, so a
	// non-positive limit short-circuits here rather than reaching the store.
	if limit <= 0 {
		return nlpgov.MonitorSummary{LatestRiskLevel: nlpgov.RiskInfo}, nil
	}

	snapshots, err := s.store.ListDriftSnapshots(ctx, sourceName, limit)
	if err != nil {
		return nlpgov.MonitorSummary{}, err
	}

	// ListDriftSnapshots returns newest-first; the point sequence is
	// oldest-first.
	oldestFirst := make([]nlpgov.DriftSnapshot, len(snapshots))
	for i, snap := range snapshots {
		oldestFirst[len(snapshots)-1-i] = snap
	}

	summary := nlpgov.MonitorSummary{Snapshots: oldestFirst}
	if len(oldestFirst) == 0 {
		summary.LatestRiskLevel = nlpgov.RiskInfo
		return summary, nil
	}

	var criticalCount, warningCount int
	for _, snap := range oldestFirst {
		sev := worstSeverity(snap.Alerts)
		switch sev {
		case nlpgov.SeverityCritical:
			criticalCount++
		case nlpgov.SeverityWarning:
			warningCount++
		}
	}

	latest := oldestFirst[len(oldestFirst)-1]
	latestSeverity := worstSeverity(latest.Alerts)

	switch {
	case latestSeverity == nlpgov.SeverityCritical || criticalCount >= 2:
		summary.LatestRiskLevel = nlpgov.RiskCritical
	case latestSeverity == nlpgov.SeverityWarning || warningCount >= 3:
		summary.LatestRiskLevel = nlpgov.RiskWarning
	default:
		summary.LatestRiskLevel = nlpgov.RiskInfo
	}

	first := oldestFirst[0]
	summary.HitRateTrend = latest.HitRateDelta - first.HitRateDelta
	summary.ScoreP50Trend = latest.ScoreP50Delta - first.ScoreP50Delta
	return summary, nil
}

func worstSeverity(alerts []nlpgov.DriftAlert) nlpgov.AlertSeverity {
	var worst nlpgov.AlertSeverity
	for _, a := range alerts {
		if a.Severity == nlpgov.SeverityCritical {
			return nlpgov.SeverityCritical
		}
		if a.Severity == nlpgov.SeverityWarning {
			worst = nlpgov.SeverityWarning
		}
	}
	return worst
}

// AdjudicateRequest is the input to AdjudicateLabels.
type AdjudicateRequest struct {
	Entries          []nlpgov.FeedbackEntry
	MinLabelers      int
	RequireUnanimous bool
	Persist          bool
}

// AdjudicateResult bundles the consensus rows computed for every
// (source_name, event_id) group that met the minimum labeler count.
type AdjudicateResult struct {
	Consensus []nlpgov.Consensus
}

// AdjudicateLabels groups multi-labeler feedback by event, resolves a
// consensus event_type/polarity/score, and flags conflicting groups.
func (s *Service) AdjudicateLabels(ctx context.Context, req AdjudicateRequest) (AdjudicateResult, error) {
	type key struct{ source, eventID string }
	groups := map[key][]nlpgov.FeedbackEntry{}
	order := []key{}
	for _, e := range req.Entries {
		k := key{e.SourceName, e.EventID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	minLabelers := req.MinLabelers
	if minLabelers <= 0 {
		minLabelers = 1
	}

	var out []nlpgov.Consensus
	for _, k := range order {
		entries := groups[k]
		if len(entries) < minLabelers {
			continue
		}

		consensus, err := s.adjudicateGroup(ctx, k.source, k.eventID, entries, req.RequireUnanimous)
		if err != nil {
			s.log.WithError(err).WithField("event_id", k.eventID).Warn("adjudication skipped")
			continue
		}

		if req.Persist {
			if err := s.store.UpsertConsensus(ctx, consensus); err != nil {
				s.log.WithError(err).WithField("event_id", k.eventID).Warn("failed to persist consensus")
			}
		}
		out = append(out, consensus)
	}

	return AdjudicateResult{Consensus: out}, nil
}

func (s *Service) adjudicateGroup(ctx context.Context, sourceName, eventID string, entries []nlpgov.FeedbackEntry, requireUnanimous bool) (nlpgov.Consensus, error) {
	typeCounts := map[string]int{}
	polarityCounts := map[event.Polarity]int{}
	var scores []float64
	for _, e := range entries {
		typeCounts[e.EventType]++
		polarityCounts[e.Polarity]++
		if e.Score != nil {
			scores = append(scores, *e.Score)
		}
	}

	consensusType, typeFreq, typeTie := modeWithTie(typeCounts)
	consensusPolarity, polarityFreq, polarityTie := modePolarityWithTie(polarityCounts)

	labelCount := len(entries)
	var consensusScore float64
	if len(scores) > 0 {
		consensusScore = median(scores)
	} else if rec, err := s.store.GetRecord(ctx, sourceName, eventID); err == nil {
		consensusScore = rec.Score
	}

	confidence := (float64(typeFreq)/float64(labelCount) + float64(polarityFreq)/float64(labelCount)) / 2

	var reasons []string
	disagreement := len(typeCounts) > 1 || len(polarityCounts) > 1
	if disagreement {
		reasons = append(reasons, "event_type or polarity disagreement across labelers")
	}
	if typeTie {
		reasons = append(reasons, "tie among top event_type candidates")
	}
	if polarityTie {
		reasons = append(reasons, "tie among top polarity candidates")
	}
	scoreStd := stddev(scores)
	if scoreStd >= conflictScoreStdDev {
		reasons = append(reasons, fmt.Sprintf("label score standard deviation %.3f at or above %.3f", scoreStd, conflictScoreStdDev))
	}
	if requireUnanimous && disagreement {
		reasons = append(reasons, "unanimous agreement required but not reached")
	}

	return nlpgov.Consensus{
		SourceName:         sourceName,
		EventID:            eventID,
		ConsensusEventType: consensusType,
		ConsensusPolarity:  consensusPolarity,
		ConsensusScore:     consensusScore,
		Confidence:         confidence,
		LabelCount:         labelCount,
		HasConflict:        len(reasons) > 0,
		ConflictReasons:    reasons,
	}, nil
}

func modeWithTie(counts map[string]int) (string, int, bool) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var best string
	var bestCount int
	var tieCount int
	for _, k := range keys {
		if counts[k] > bestCount {
			best = k
			bestCount = counts[k]
			tieCount = 1
		} else if counts[k] == bestCount {
			tieCount++
		}
	}
	return best, bestCount, tieCount > 1
}

func modePolarityWithTie(counts map[event.Polarity]int) (event.Polarity, int, bool) {
	keys := make([]event.Polarity, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var best event.Polarity
	var bestCount int
	var tieCount int
	for _, k := range keys {
		if counts[k] > bestCount {
			best = k
			bestCount = counts[k]
			tieCount = 1
		} else if counts[k] == bestCount {
			tieCount++
		}
	}
	return best, bestCount, tieCount > 1
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - avg
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}
