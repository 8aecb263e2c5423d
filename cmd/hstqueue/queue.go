package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQueueNextCmd(g *globalFlags) *cobra.Command {
	var (
		proposal string
		visits   []string
		stage    int
	)
	cmd := &cobra.Command{
		Use:   "queue-next",
		Short: "Queue a stage for a proposal (called by workers) and dispatch it",
		Long: `Queue a stage for a proposal and dispatch it once a worker slot is free.

Workers call this for their successor stage before they exit. A single --visit
makes a visit-level task; several --visit flags make one proposal-wide task
whose command receives every visit. When the task queue does not exist the
request is logged and ignored.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("proposal", cmd.Flags().Changed("proposal")); err != nil {
				return err
			}
			if err := requireFlag("stage", cmd.Flags().Changed("stage")); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := loadApp(ctx, g, "queue")
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.newScheduler()
			if err != nil {
				return err
			}
			defer closeScheduler(sched, a.logger)

			pid, err := sched.QueueNextTask(ctx, proposal, visits, stage)
			if err != nil {
				return err
			}
			if pid > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "started %s pid=%d\n", stageLabel(a.cfg, stage), pid)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&proposal, "proposal", "", "proposal id")
	cmd.Flags().StringArrayVar(&visits, "visit", nil, "visit id (repeatable)")
	cmd.Flags().IntVar(&stage, "stage", 0, "stage number")
	return cmd
}

func newDrainCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Wait until every worker slot has been reclaimed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, g, "drain")
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.newScheduler()
			if err != nil {
				return err
			}
			defer closeScheduler(sched, a.logger)

			if err := sched.Open(ctx); err != nil {
				return err
			}
			return sched.WaitForSubprocess(ctx, true)
		},
	}
}

func newAbandonCmd(g *globalFlags) *cobra.Command {
	var proposal string
	cmd := &cobra.Command{
		Use:   "abandon",
		Short: "Remove every queued and running task record of a proposal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("proposal", cmd.Flags().Changed("proposal")); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := loadApp(ctx, g, "abandon")
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.newScheduler()
			if err != nil {
				return err
			}
			defer closeScheduler(sched, a.logger)

			if err := sched.Open(ctx); err != nil {
				return err
			}
			n, err := sched.AbandonProposal(ctx, proposal)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d task(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&proposal, "proposal", "", "proposal id")
	return cmd
}
