// Package model defines the configuration, task and process slot records of the HST pipeline queue.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Stages    []StageConfig   `yaml:"stages"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type StoreConfig struct {
	// DSN is a filesystem path (SQLite) or a redis:// URL.
	DSN string `yaml:"dsn"`
}

type SchedulerConfig struct {
	MaxSubprocesses int    `yaml:"max_subprocesses"`
	MaxAllowedSec   int    `yaml:"max_allowed_sec"`
	PollIntervalMs  int    `yaml:"poll_interval_ms"`
	MaxDrain        int    `yaml:"max_drain"`
	Preemption      string `yaml:"preemption"` // "both" (default) or "either"
	WatchStore      bool   `yaml:"watch_store"`
}

type WorkerConfig struct {
	Interpreter string `yaml:"interpreter"`
	SourceRoot  string `yaml:"source_root"`
	LogDir      string `yaml:"log_dir"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	AuditLog string `yaml:"audit_log"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
}

const (
	PreemptBoth   = "both"
	PreemptEither = "either"
)

// DefaultConfig mirrors the pipeline driver defaults: 20 concurrent workers,
// 1800s per worker, one second polling.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{DSN: "task_queue.db"},
		Scheduler: SchedulerConfig{
			MaxSubprocesses: 20,
			MaxAllowedSec:   1800,
			PollIntervalMs:  1000,
			MaxDrain:        64,
			Preemption:      PreemptBoth,
			WatchStore:      true,
		},
		Worker: WorkerConfig{
			Interpreter: "python3",
		},
		Stages: DefaultStages(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			Environment: "development",
		},
	}
}

func (c SchedulerConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c SchedulerConfig) MaxAllowed() time.Duration {
	return time.Duration(c.MaxAllowedSec) * time.Second
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Scheduler.MaxSubprocesses < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_subprocesses must be >= 1, got %d", c.Scheduler.MaxSubprocesses))
	}
	if c.Scheduler.MaxAllowedSec < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_allowed_sec must be >= 1, got %d", c.Scheduler.MaxAllowedSec))
	}
	switch c.Scheduler.Preemption {
	case "", PreemptBoth, PreemptEither:
	default:
		errs = append(errs, fmt.Errorf("scheduler.preemption must be %q or %q, got %q", PreemptBoth, PreemptEither, c.Scheduler.Preemption))
	}
	if len(c.Stages) == 0 {
		errs = append(errs, errors.New("at least one stage is required"))
	} else if _, err := NewStageTable(c.Stages); err != nil {
		errs = append(errs, fmt.Errorf("stages: %w", err))
	}
	return errors.Join(errs...)
}
