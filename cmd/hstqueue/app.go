package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pdart-go/hstqueue/internal/config"
	"github.com/pdart-go/hstqueue/internal/events"
	"github.com/pdart-go/hstqueue/internal/logging"
	"github.com/pdart-go/hstqueue/internal/model"
	"github.com/pdart-go/hstqueue/internal/procs"
	"github.com/pdart-go/hstqueue/internal/scheduler"
	"github.com/pdart-go/hstqueue/internal/tracing"
)

// envRunID carries the driver's run id to workers and their callbacks.
const envRunID = "HSTQ_RUN_ID"

// app is the per-invocation wiring shared by the subcommands.
type app struct {
	cfgPath string
	cfg     *model.Config
	logger  *slog.Logger
	bus     *events.Bus
	audit   *events.AuditLogger
	runID   string

	shutdownTracer func(context.Context) error
}

func loadApp(ctx context.Context, g *globalFlags, component string) (*app, error) {
	path := config.ResolvePath(g.config)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}

	a := &app{
		cfgPath: path,
		cfg:     cfg,
		logger:  logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, component),
		bus:     events.NewBus(0),
		runID:   os.Getenv(envRunID),
	}

	if cfg.Logging.AuditLog != "" {
		al, err := events.NewAuditLogger(cfg.Logging.AuditLog, 0)
		if err != nil {
			a.bus.Close()
			return nil, err
		}
		a.audit = al
		al.Attach(a.bus, func(err error) {
			a.logger.Warn("audit_write_failed", "error", err)
		})
	}

	shutdown, err := tracing.InitTracer(ctx, tracing.FromConfig(cfg.Tracing))
	if err != nil {
		a.logger.Warn("tracing_disabled", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	a.shutdownTracer = shutdown
	return a, nil
}

// newScheduler builds a scheduler spawning real worker processes. Workers get
// the config path and run id so their queue-next callbacks share this setup.
func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	env := []string{config.EnvConfigPath + "=" + a.cfgPath}
	if a.runID != "" {
		env = append(env, envRunID+"="+a.runID)
	}
	s, err := scheduler.New(*a.cfg, scheduler.Deps{
		Launcher: procs.NewExecLauncher(a.cfg.Worker.LogDir, env, a.logger),
		Prober:   procs.NewSystemProber(),
		Bus:      a.bus,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	if a.runID != "" {
		s.SetRunID(a.runID)
	}
	return s, nil
}

func (a *app) Close() {
	a.bus.Close()
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("audit_close_failed", "error", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracer(ctx); err != nil {
		a.logger.Warn("tracer_shutdown_failed", "error", err)
	}
}

func closeScheduler(s *scheduler.Scheduler, logger *slog.Logger) {
	if err := s.Close(); err != nil {
		logger.Warn("store_close_failed", "error", err)
	}
}

func requireFlag(name string, set bool) error {
	if !set {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}
