// Package runtime assembles the event-ingestion and governance subsystem
// into one process: configuration, storage, the domain services, the audit
// bus, and the internal cron scheduler (§4.10).
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/audit"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector/adapter"
	"github.com/cn-equity-research/eventgov/internal/app/metrics"
	"github.com/cn-equity-research/eventgov/internal/app/services/deadletter"
	"github.com/cn-equity-research/eventgov/internal/app/services/eventservice"
	"github.com/cn-equity-research/eventgov/internal/app/services/ingestion"
	"github.com/cn-equity-research/eventgov/internal/app/services/nlpgovernance"
	"github.com/cn-equity-research/eventgov/internal/app/services/slamonitor"
	"github.com/cn-equity-research/eventgov/internal/app/storage"
	"github.com/cn-equity-research/eventgov/internal/app/storage/memory"
	"github.com/cn-equity-research/eventgov/internal/app/storage/postgres"
	"github.com/cn-equity-research/eventgov/internal/app/system"
	"github.com/cn-equity-research/eventgov/internal/config"
	"github.com/cn-equity-research/eventgov/internal/platform/database"
	"github.com/cn-equity-research/eventgov/internal/platform/migrations"
	"github.com/cn-equity-research/eventgov/pkg/logger"
	"github.com/cn-equity-research/eventgov/pkg/pgnotify"
)

// Application wires every module named in SPEC_FULL.md §4 into a runnable
// process. It owns the database handle, the audit bus, and the scheduler,
// and exposes the domain services so an HTTP/CLI surface can be layered on
// top without duplicating this wiring.
type Application struct {
	Config *config.Config
	Log    *logger.Logger

	DB    *sql.DB
	Store storage.Store
	Audit *audit.Bus

	Ingestion     *ingestion.Service
	Deadletter    *deadletter.Service
	SLAMonitor    *slamonitor.Service
	NLPGovernance *nlpgovernance.Service
	EventService  *eventservice.Service

	Manager   *system.Manager
	Scheduler *Scheduler
}

// New builds an Application from cfg. cfg.Database.DSN selects the Postgres
// store; an empty DSN falls back to the in-memory store, matching the
// development/test posture the rest of the platform uses.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.New()
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	app := &Application{Config: cfg, Log: log, Manager: system.NewManager()}

	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn != "" {
		db, err := database.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		configurePool(db, cfg)

		if cfg.Database.MigrateOnStart {
			if err := migrations.Apply(ctx, db); err != nil {
				db.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}

		app.DB = db
		app.Store = postgres.New(db)

		if bus, err := pgnotify.NewWithDB(db, dsn); err != nil {
			log.WithError(err).Warn("audit bus unavailable; continuing without it")
		} else {
			app.Audit = audit.New(bus, log, cfg.Audit.Channel, durationFromMillis(cfg.Audit.NotifyTimeoutMs))
		}
	} else {
		app.Store = memory.New()
		log.Warn("no database DSN configured; using in-memory storage")
	}

	registry := adapter.NewRegistry(
		adapter.NewAkshareAnnouncementAdapter(),
		adapter.NewTushareAnnouncementAdapter(),
		adapter.NewHTTPJSONAdapter(),
		adapter.NewFileAdapter(),
	)

	app.Ingestion = ingestion.New(app.Store, registry, log).WithObservationHooks(metrics.IngestionHooks())
	app.Deadletter = deadletter.New(app.Store, log).WithObservationHooks(metrics.DeadletterHooks())
	app.SLAMonitor = slamonitor.New(app.Store, app.Audit, log).WithObservationHooks(metrics.SLAMonitorHooks())
	app.NLPGovernance = nlpgovernance.New(app.Store, log).WithObservationHooks(metrics.NLPGovernanceHooks())
	app.EventService = eventservice.New(app.Store, log)

	app.Scheduler = NewScheduler(app, cfg.Scheduler, log)
	app.Manager.Register(app.Scheduler)

	return app, nil
}

// Start starts every registered module (currently just the scheduler).
func (a *Application) Start(ctx context.Context) error {
	return a.Manager.Start(ctx)
}

// Stop stops every registered module and closes the database handle, if any.
func (a *Application) Stop(ctx context.Context) error {
	err := a.Manager.Stop(ctx)
	if a.DB != nil {
		if closeErr := a.DB.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func durationFromMillis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
