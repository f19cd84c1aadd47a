// Package config loads process configuration from an optional YAML file
// overlaid with environment variables, following the same precedence the
// rest of the platform uses: defaults, then config file, then environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the Postgres connection backing the event store.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SchedulerConfig controls the cadences of the internal cron scheduler (§5a).
type SchedulerConfig struct {
	ReplaySweepSeconds int `json:"replay_sweep_seconds" yaml:"replay_sweep_seconds" env:"SCHEDULER_REPLAY_SWEEP_SECONDS"`
	SLASyncSeconds     int `json:"sla_sync_seconds" yaml:"sla_sync_seconds" env:"SCHEDULER_SLA_SYNC_SECONDS"`
	DriftCheckSeconds  int `json:"drift_check_seconds" yaml:"drift_check_seconds" env:"SCHEDULER_DRIFT_CHECK_SECONDS"`
	ReplayBatchLimit   int `json:"replay_batch_limit" yaml:"replay_batch_limit" env:"SCHEDULER_REPLAY_BATCH_LIMIT"`
}

// AuditConfig controls the best-effort Postgres LISTEN/NOTIFY audit bus.
type AuditConfig struct {
	Channel        string `json:"channel" yaml:"channel" env:"AUDIT_CHANNEL"`
	NotifyTimeoutMs int   `json:"notify_timeout_ms" yaml:"notify_timeout_ms" env:"AUDIT_NOTIFY_TIMEOUT_MS"`
}

// SLAConfig controls the SLA alert cooldown and the repeat counts at which
// warning and critical alerts escalate (§4.7). The freshness thresholds
// themselves are not configured here.
type SLAConfig struct {
	CooldownSeconds        int `json:"cooldown_seconds" yaml:"cooldown_seconds" env:"SLA_COOLDOWN_SECONDS"`
	WarningRepeatEscalate  int `json:"warning_repeat_escalate" yaml:"warning_repeat_escalate" env:"SLA_WARNING_REPEAT_ESCALATE"`
	CriticalRepeatEscalate int `json:"critical_repeat_escalate" yaml:"critical_repeat_escalate" env:"SLA_CRITICAL_REPEAT_ESCALATE"`
}

// Config is the top-level process configuration.
type Config struct {
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	SLA       SLAConfig       `json:"sla" yaml:"sla"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "eventgovd",
		},
		Scheduler: SchedulerConfig{
			ReplaySweepSeconds: 120,
			SLASyncSeconds:     60,
			DriftCheckSeconds:  3600,
			ReplayBatchLimit:   50,
		},
		Audit: AuditConfig{
			Channel:         "event_governance_audit",
			NotifyTimeoutMs: 2000,
		},
		SLA: SLAConfig{
			CooldownSeconds:        600,
			WarningRepeatEscalate:  3,
			CriticalRepeatEscalate: 2,
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// config file (path taken from CONFIG_FILE, default configs/config.yaml),
// and finally environment variables, in ascending precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile loads configuration from an explicit YAML file, skipping the
// environment overlay except for the DATABASE_URL override.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride lets the conventional DATABASE_URL env var
// (used by most Postgres hosting providers) override a file-based DSN.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
