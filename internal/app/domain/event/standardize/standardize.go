// Package standardize implements the NLP standardizer (C2): turning a raw
// provider record plus an active ruleset into a normalized event.Record.
package standardize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/apperrors"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
)

// RawRecord is a provider-agnostic raw announcement/news row, after adapter-
// level column mapping has resolved field names.
type RawRecord struct {
	SourceEventID string
	Symbol        string
	Title         string
	Summary       string
	Content       string
	PublishTime   time.Time
	URL           string
	DefaultSymbol string
	Metadata      map[string]any
}

// Result bundles the standardized event with the scoring detail used for
// governance (matched rules, warnings) but not persisted on the record
// itself.
type Result struct {
	Record     event.Record
	ScoreDetail ScoreDetail
	Warning    string
}

// ScoreDetail captures which rules fired and how the score/confidence were derived.
type ScoreDetail struct {
	MatchedRules []string
	Tags         []string
}

// Standardize applies ruleset to raw, producing a normalized event.Record for
// sourceName. reliabilityScore comes from the owning event.Source and
// multiplies into the final score.
func Standardize(sourceName string, raw RawRecord, ruleset nlpgov.Ruleset, reliabilityScore float64) (Result, error) {
	symbol := strings.TrimSpace(raw.Symbol)
	if symbol == "" {
		symbol = strings.TrimSpace(raw.DefaultSymbol)
	}
	if symbol == "" {
		return Result{}, apperrors.Validation("symbol", "raw record has no symbol and no default_symbol was provided")
	}

	if raw.PublishTime.IsZero() {
		return Result{}, apperrors.Validation("publish_time", "raw record publish_time is missing or unparsable")
	}

	text := strings.Join([]string{raw.Title, raw.Summary, raw.Content}, "\n")
	if strings.TrimSpace(text) == "" {
		return Result{}, apperrors.Validation("text", "raw record has no title, summary, or content")
	}

	matches := matchRules(text, ruleset.Rules)

	eventType := "generic_announcement"
	var tags []string
	var matchedIDs []string
	var weightSum float64
	var posVotes, negVotes int

	if len(matches) > 0 {
		dominant := matches[0]
		eventType = dominant.rule.EventType
		for _, m := range matches {
			matchedIDs = append(matchedIDs, m.rule.RuleID)
			if m.rule.Tag != "" {
				tags = append(tags, m.rule.Tag)
			}
			weightSum += m.rule.Weight
			switch m.rule.Polarity {
			case event.PolarityPositive:
				posVotes++
			case event.PolarityNegative:
				negVotes++
			}
		}
	}

	polarity := event.PolarityNeutral
	switch {
	case posVotes-negVotes > 0:
		polarity = event.PolarityPositive
	case posVotes-negVotes < 0:
		polarity = event.PolarityNegative
	}

	score := saturatingScore(weightSum) * clamp01(reliabilityScore, 1)
	confidence := confidenceFromMatches(len(matches), len(text))

	eventID := strings.TrimSpace(raw.SourceEventID)
	synthetic := false
	if eventID == "" {
		eventID = syntheticEventID(sourceName, raw.PublishTime, raw.Title, raw.URL)
		synthetic = true
	}

	metadata := map[string]any{}
	for k, v := range raw.Metadata {
		metadata[k] = v
	}
	metadata["nlp_ruleset_version"] = ruleset.Version
	if len(matchedIDs) > 0 {
		metadata["matched_rules"] = strings.Join(matchedIDs, ",")
	}
	if synthetic {
		metadata["synthetic_event_id"] = true
	}

	rec := event.Record{
		SourceName:  sourceName,
		EventID:     eventID,
		Symbol:      symbol,
		EventType:   eventType,
		PublishTime: raw.PublishTime.UTC(),
		Polarity:    polarity,
		Score:       score,
		Confidence:  confidence,
		Title:       raw.Title,
		Summary:     raw.Summary,
		RawRef:      raw.URL,
		Tags:        dedupe(tags),
		Metadata:    metadata,
	}

	if err := rec.Validate(); err != nil {
		return Result{}, apperrors.Internal("standardized record failed invariant check", err)
	}

	var warning string
	if len(matches) == 0 {
		warning = "no ruleset rule matched; event classified as generic_announcement"
	}

	return Result{
		Record:      rec,
		ScoreDetail: ScoreDetail{MatchedRules: matchedIDs, Tags: rec.Tags},
		Warning:     warning,
	}, nil
}

type ruleMatch struct {
	rule nlpgov.Rule
}

// matchRules returns rules whose patterns appear in text, ordered by weight
// descending so the dominant rule (index 0) drives event_type.
func matchRules(text string, rules []nlpgov.Rule) []ruleMatch {
	var matches []ruleMatch
	for _, rule := range rules {
		for _, pattern := range rule.Patterns {
			if pattern == "" {
				continue
			}
			if strings.Contains(text, pattern) {
				matches = append(matches, ruleMatch{rule: rule})
				break
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].rule.Weight > matches[j].rule.Weight
	})
	return matches
}

// saturatingScore maps the summed rule weights into [0, 1) with the
// saturating curve 1 - 1/(1 + sum(w_i)).
func saturatingScore(weightSum float64) float64 {
	if weightSum <= 0 {
		return 0.1 // generic_announcement floor, never zero-confidence noise
	}
	score := 1 - 1/(1+weightSum)
	return clamp01(score, 1)
}

func confidenceFromMatches(matchCount, textLen int) float64 {
	base := 0.2 + 0.2*float64(matchCount)
	if textLen > 200 {
		base += 0.1
	}
	if textLen > 600 {
		base += 0.1
	}
	return clamp01(base, 1)
}

func clamp01(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// syntheticEventID implements the §9 open question's resolved scheme:
// {source_name}-{sha256(publish_time|title|url)[:16]}.
func syntheticEventID(sourceName string, publishTime time.Time, title, url string) string {
	payload := fmt.Sprintf("%s|%s|%s", publishTime.UTC().Format(time.RFC3339), title, url)
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%s-%s", sourceName, hex.EncodeToString(sum[:])[:16])
}
