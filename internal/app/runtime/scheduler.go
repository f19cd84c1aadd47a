package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	core "github.com/cn-equity-research/eventgov/internal/app/core/service"
	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
	"github.com/cn-equity-research/eventgov/internal/app/metrics"
	"github.com/cn-equity-research/eventgov/internal/app/services/ingestion"
	"github.com/cn-equity-research/eventgov/internal/app/services/nlpgovernance"
	"github.com/cn-equity-research/eventgov/internal/app/services/slamonitor"
	"github.com/cn-equity-research/eventgov/internal/config"
	"github.com/cn-equity-research/eventgov/pkg/logger"
	"github.com/robfig/cron/v3"
)

const (
	defaultReplaySweepSeconds = 120
	defaultSLASyncSeconds     = 60
	defaultDriftCheckSeconds  = 3600
	defaultReplayBatchLimit   = 50
)

// Scheduler owns the internal cron loop described in SPEC_FULL.md §4.10/§5a:
// one entry per enabled connector at its own poll_interval_minutes, plus
// fixed-cadence replay, SLA-sync, and drift-check sweeps. It implements
// system.Service so the Application's module manager drives its lifecycle.
type Scheduler struct {
	app *Application
	cfg config.SchedulerConfig
	log *logger.Logger

	cron *cron.Cron

	mu   sync.Mutex
	busy map[string]bool
}

// NewScheduler builds a Scheduler. Cadences of zero fall back to the
// §5a defaults.
func NewScheduler(app *Application, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	if cfg.ReplaySweepSeconds <= 0 {
		cfg.ReplaySweepSeconds = defaultReplaySweepSeconds
	}
	if cfg.SLASyncSeconds <= 0 {
		cfg.SLASyncSeconds = defaultSLASyncSeconds
	}
	if cfg.DriftCheckSeconds <= 0 {
		cfg.DriftCheckSeconds = defaultDriftCheckSeconds
	}
	if cfg.ReplayBatchLimit <= 0 {
		cfg.ReplayBatchLimit = defaultReplayBatchLimit
	}
	return &Scheduler{
		app:  app,
		cfg:  cfg,
		log:  log,
		busy: make(map[string]bool),
	}
}

// Name identifies this module to the system.Manager.
func (s *Scheduler) Name() string { return "scheduler" }

// Descriptor advertises this module's placement.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "scheduler",
		Domain:       "runtime",
		Layer:        core.LayerEngine,
		Capabilities: []string{"run_connector", "replay_failures", "sync_sla_alerts", "drift_check"},
	}
}

// Start loads the current connector set, registers one cron entry per
// enabled connector plus the three fixed-cadence sweeps, and starts the
// cron loop. Registering new entries on a running cron is itself safe, but
// this implementation rebuilds the full entry set only at Start time; a
// connector enabled/disabled afterward takes effect on the next process
// restart.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	connectors, err := s.app.Store.ListConnectors(ctx, true)
	if err != nil {
		return fmt.Errorf("list connectors: %w", err)
	}
	for _, c := range connectors {
		connectorName := c.ConnectorName
		interval := c.PollIntervalMinutes
		if interval <= 0 {
			interval = 15
		}
		spec := fmt.Sprintf("@every %dm", interval)
		if _, err := s.cron.AddFunc(spec, func() { s.runConnector(connectorName) }); err != nil {
			return fmt.Errorf("schedule connector %s: %w", connectorName, err)
		}
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", s.cfg.ReplaySweepSeconds), s.sweepReplay); err != nil {
		return fmt.Errorf("schedule replay sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", s.cfg.SLASyncSeconds), s.sweepSLA); err != nil {
		return fmt.Errorf("schedule sla sync: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", s.cfg.DriftCheckSeconds), s.sweepDrift); err != nil {
		return fmt.Errorf("schedule drift check: %w", err)
	}

	s.cron.Start()
	s.log.WithField("connectors", len(connectors)).Info("scheduler started")
	return nil
}

// Stop stops accepting new ticks and waits, bounded by ctx, for in-flight
// jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryAcquire claims the busy-set slot for key, returning false if another
// tick for the same key is still in flight. This is an in-process
// optimization only: a separate process racing the same connector is still
// resolved by the store's own last-writer-wins semantics (§5), not by this
// set.
func (s *Scheduler) tryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[key] {
		return false
	}
	s.busy[key] = true
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, key)
}

func (s *Scheduler) runConnector(connectorName string) {
	key := "run:" + connectorName
	if !s.tryAcquire(key) {
		s.log.WithField("connector", connectorName).Info("skipping tick; previous run still in flight")
		return
	}
	defer s.release(key)

	ctx := context.Background()
	if _, err := s.app.Ingestion.Run(ctx, connectorName, ingestion.RunOptions{TriggeredBy: "scheduler"}); err != nil {
		s.log.WithError(err).WithField("connector", connectorName).Warn("scheduled connector run failed")
	}
}

func (s *Scheduler) sweepReplay() {
	if !s.tryAcquire("replay") {
		return
	}
	defer s.release("replay")

	ctx := context.Background()
	connectors, err := s.app.Store.ListConnectors(ctx, true)
	if err != nil {
		s.log.WithError(err).Warn("replay sweep: list connectors failed")
		return
	}
	for _, c := range connectors {
		if _, err := s.app.Deadletter.ReplayDue(ctx, c.ConnectorName, s.cfg.ReplayBatchLimit); err != nil {
			s.log.WithError(err).WithField("connector", c.ConnectorName).Warn("replay sweep failed")
		}
	}
}

func (s *Scheduler) sweepSLA() {
	if !s.tryAcquire("sla") {
		return
	}
	defer s.release("sla")

	ctx := context.Background()
	connectors, err := s.app.Store.ListConnectors(ctx, true)
	if err != nil {
		s.log.WithError(err).Warn("sla sync: list connectors failed")
		return
	}
	names := make([]string, 0, len(connectors))
	for _, c := range connectors {
		names = append(names, c.ConnectorName)
	}

	if _, err := s.app.SLAMonitor.SyncAlerts(ctx, names, slamonitor.SyncOptions{
		CooldownSeconds:        s.app.Config.SLA.CooldownSeconds,
		WarningRepeatEscalate:  s.app.Config.SLA.WarningRepeatEscalate,
		CriticalRepeatEscalate: s.app.Config.SLA.CriticalRepeatEscalate,
	}); err != nil {
		s.log.WithError(err).Warn("sla sync failed")
	}

	s.publishOpenAlertGauges(ctx)
}

func (s *Scheduler) publishOpenAlertGauges(ctx context.Context) {
	open, err := s.app.Store.ListOpenAlertStates(ctx)
	if err != nil {
		s.log.WithError(err).Warn("sla sync: list open alert states failed")
		return
	}
	counts := map[[2]string]int{}
	for _, st := range open {
		counts[[2]string{st.ConnectorName, string(st.BreachType)}]++
	}
	for key, count := range counts {
		metrics.SetSLAAlertStatesOpen(key[0], key[1], count)
	}
}

func (s *Scheduler) sweepDrift() {
	if !s.tryAcquire("drift") {
		return
	}
	defer s.release("drift")

	ctx := context.Background()
	sources, err := s.app.Store.ListSources(ctx)
	if err != nil {
		s.log.WithError(err).Warn("drift check: list sources failed")
		return
	}
	if _, ok, err := s.app.Store.GetActiveRuleset(ctx); err != nil || !ok {
		s.log.WithError(err).Warn("drift check: no active ruleset; skipping sweep")
		return
	}

	now := time.Now().UTC()
	current := nlpgov.DriftWindow{Start: now.Add(-24 * time.Hour), End: now}
	baseline := nlpgov.DriftWindow{Start: now.Add(-7 * 24 * time.Hour), End: now.Add(-24 * time.Hour)}

	for _, src := range sources {
		req := nlpgovernance.DriftCheckRequest{
			SourceName:     src.SourceName,
			CurrentWindow:  current,
			BaselineWindow: &baseline,
			Persist:        true,
		}
		result, err := s.app.NLPGovernance.DriftCheck(ctx, req)
		if err != nil {
			s.log.WithError(err).WithField("source", src.SourceName).Warn("drift check failed")
			continue
		}
		for _, alert := range result.Snapshot.Alerts {
			metrics.RecordDriftAlert(string(alert.Severity))
		}
	}
}
