package main

import (
	"github.com/spf13/cobra"
)

type globalFlags struct {
	config   string
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "hstqueue",
		Short:         "Priority task queue and worker pool for the HST pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVar(&g.config, "config", "", "config file (default $HSTQ_CONFIG or ./hstqueue.yaml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newInitCmd(),
		newRunCmd(g),
		newQueueNextCmd(g),
		newDrainCmd(g),
		newAbandonCmd(g),
		newStatusCmd(g),
	)
	return root
}
