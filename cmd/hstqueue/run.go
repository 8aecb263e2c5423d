package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pdart-go/hstqueue/internal/lock"
	"github.com/pdart-go/hstqueue/internal/logging"
	"github.com/pdart-go/hstqueue/internal/metrics"
	"github.com/pdart-go/hstqueue/internal/model"
	"github.com/pdart-go/hstqueue/internal/store"
)

type runFlags struct {
	proposalIDs    []string
	proposalFile   string
	cont           bool
	maxSubprocs    int
	maxAllowedTime int
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [proposal-id...]",
		Short: "Seed the first stage for each proposal and wait for the pipeline to drain",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.proposalIDs = append(f.proposalIDs, args...)
			return runPipeline(cmd, g, f)
		},
	}
	cmd.Flags().StringSliceVar(&f.proposalIDs, "proposal-ids", nil, "proposal ids to process")
	cmd.Flags().StringVar(&f.proposalFile, "proposal-file", "", "file with one proposal id per line")
	cmd.Flags().BoolVar(&f.cont, "continue", false, "keep the existing task queue instead of erasing it")
	cmd.Flags().IntVar(&f.maxSubprocs, "max-subproc-cnt", 0, "override scheduler.max_subprocesses")
	cmd.Flags().IntVar(&f.maxAllowedTime, "max-allowed-time", 0, "override scheduler.max_allowed_sec")
	return cmd
}

func readProposalFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proposal file: %w", err)
	}
	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, strings.Fields(line)...)
	}
	return ids, nil
}

func runPipeline(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	ctx := cmd.Context()

	if f.proposalFile != "" {
		ids, err := readProposalFile(f.proposalFile)
		if err != nil {
			return err
		}
		f.proposalIDs = append(f.proposalIDs, ids...)
	}
	if len(f.proposalIDs) == 0 {
		return errors.New("no proposal ids given")
	}

	if os.Getenv(envRunID) == "" {
		os.Setenv(envRunID, uuid.NewString())
	}
	a, err := loadApp(ctx, g, "driver")
	if err != nil {
		return err
	}
	defer a.Close()

	if cmd.Flags().Changed("max-subproc-cnt") {
		a.cfg.Scheduler.MaxSubprocesses = f.maxSubprocs
	}
	if cmd.Flags().Changed("max-allowed-time") {
		a.cfg.Scheduler.MaxAllowedSec = f.maxAllowedTime
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	if !strings.Contains(a.cfg.Store.DSN, "://") {
		if err := os.MkdirAll(filepath.Dir(a.cfg.Store.DSN), 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
		fl := lock.NewFileLock(lock.PathFor(a.cfg.Store.DSN))
		if err := fl.TryLock(); err != nil {
			return fmt.Errorf("another driver owns %s: %w", a.cfg.Store.DSN, err)
		}
		defer fl.Unlock()
	}

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	defer closeScheduler(sched, a.logger)

	mode := store.ModeFresh
	if f.cont {
		mode = store.ModeContinue
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		defer metrics.NewCollectors(reg).Attach(a.bus)()
		a.logger.Info("metrics_listening", "addr", addr)
		eg.Go(func() error {
			return metrics.Serve(gctx, addr, reg)
		})
	}

	eg.Go(func() error {
		defer cancel()
		return sched.RunPipeline(logging.WithRunID(gctx, a.runID), f.proposalIDs, mode)
	})

	if err := eg.Wait(); err != nil {
		if errors.Is(err, context.Canceled) && cmd.Context().Err() != nil {
			a.logger.Warn("pipeline_interrupted", "note", "running workers were left detached")
		}
		return err
	}
	return nil
}

// stageLabel is used in command output.
func stageLabel(cfg *model.Config, stage int) string {
	t, err := model.NewStageTable(cfg.Stages)
	if err != nil {
		return fmt.Sprintf("stage-%d", stage)
	}
	return t.Name(stage)
}
