// Package eventservice implements the event service facade (C9): a thin
// wrapper around the event store that enforces source existence on ingest
// and provides the decayed-score bar enrichment used by downstream
// collaborators outside this subsystem.
package eventservice

import (
	"context"
	"math"
	"sort"
	"time"

	core "github.com/cn-equity-research/eventgov/internal/app/core/service"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/storage"
	"github.com/cn-equity-research/eventgov/pkg/logger"
)

// Bar is one trade-date row a collaborator wants enriched with decayed event
// scores; the facade never interprets OHLCV fields, only TradeDate.
type Bar struct {
	TradeDate time.Time
}

// EnrichedBar pairs a Bar with the decayed positive/negative event score sums
// computed over its trailing lookback window.
type EnrichedBar struct {
	Bar
	DecayedPositiveScore float64
	DecayedNegativeScore float64
}

// JoinValidation reports, for a requested set of trade dates, which ones had
// at least one event published on that calendar day for the symbol.
type JoinValidation struct {
	Symbol       string
	TotalDates   int
	CoveredDates int
	MissingDates []time.Time
}

// Service implements list_sources, list_events, preview_features,
// validate_join, ingest_records, and enrich_bars.
type Service struct {
	store storage.Store
	log   *logger.Logger
	hooks core.ObservationHooks
}

// New builds an eventservice Service. log may be nil.
func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("eventservice")
	}
	return &Service{store: store, log: log}
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
		Name:         "eventservice",
		Domain:       "event",
		Layer:        core.LayerIngress,
		Capabilities: []string{"ingest_records", "list_events", "enrich_bars"},
	}
}

// ListSources delegates to the store.
func (s *Service) ListSources(ctx context.Context) ([]event.Source, error) {
	return s.store.ListSources(ctx)
}

// ListEvents delegates to the store.
func (s *Service) ListEvents(ctx context.Context, filter event.ListFilter) ([]event.Record, error) {
	return s.store.ListRecords(ctx, filter)
}

// PreviewFeatures returns the most recent limit records for a source, for a
// caller to sanity-check field population before wiring a full join.
func (s *Service) PreviewFeatures(ctx context.Context, sourceName string, limit int) ([]event.Record, error) {
	if _, err := s.store.GetSource(ctx, sourceName); err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, event.ListFilter{SourceName: sourceName})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PublishTime.After(records[j].PublishTime) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// ValidateJoin reports which of the requested trade dates have at least one
// event published for symbol on that calendar day, so a collaborator can
// decide whether a join will silently leave rows unenriched.
func (s *Service) ValidateJoin(ctx context.Context, symbol string, tradeDates []time.Time) (JoinValidation, error) {
	records, err := s.store.ListRecords(ctx, event.ListFilter{Symbol: symbol})
	if err != nil {
		return JoinValidation{}, err
	}

	covered := make(map[string]bool, len(records))
	for _, r := range records {
		covered[dayKey(r.PublishTime)] = true
	}

	result := JoinValidation{Symbol: symbol, TotalDates: len(tradeDates)}
	for _, d := range tradeDates {
		if covered[dayKey(d)] {
			result.CoveredDates++
		} else {
			result.MissingDates = append(result.MissingDates, d)
		}
	}
	return result, nil
}

// IngestRecords validates sourceName exists, then ingests records through
// the store.
func (s *Service) IngestRecords(ctx context.Context, sourceName string, records []event.Record) (event.IngestResult, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"source": sourceName, "op": "ingest_records"})

	if _, err := s.store.GetSource(ctx, sourceName); err != nil {
		done(err)
		return event.IngestResult{}, err
	}

	result, err := s.store.IngestRecords(ctx, records)
	done(err)
	return result, err
}

// EnrichBars computes, for each bar's trade date, the decayed sum of
// positive and negative event scores over the trailing lookbackDays with
// half-life decayHalfLifeDays (§4.9): weight = 2^(-age_days/half_life).
func (s *Service) EnrichBars(ctx context.Context, symbol string, bars []Bar, lookbackDays int, decayHalfLifeDays float64) ([]EnrichedBar, error) {
	records, err := s.store.ListRecords(ctx, event.ListFilter{Symbol: symbol})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PublishTime.Before(records[j].PublishTime) })

	out := make([]EnrichedBar, len(bars))
	for i, bar := range bars {
		out[i] = EnrichedBar{Bar: bar}
		windowStart := bar.TradeDate.AddDate(0, 0, -lookbackDays)

		for _, r := range records {
			if r.PublishTime.After(bar.TradeDate) {
				continue
			}
			if r.PublishTime.Before(windowStart) {
				continue
			}
			ageDays := bar.TradeDate.Sub(r.PublishTime).Hours() / 24
			weight := decayWeight(ageDays, decayHalfLifeDays)
			switch r.Polarity {
			case event.PolarityPositive:
				out[i].DecayedPositiveScore += r.Score * weight
			case event.PolarityNegative:
				out[i].DecayedNegativeScore += r.Score * weight
			}
		}
	}
	return out, nil
}

func decayWeight(ageDays, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		if ageDays <= 0 {
			return 1
		}
		return 0
	}
	return math.Pow(2, -ageDays/halfLifeDays)
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
