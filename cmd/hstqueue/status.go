package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/pdart-go/hstqueue/internal/procs"
	"github.com/pdart-go/hstqueue/internal/status"
	"github.com/pdart-go/hstqueue/internal/store"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queued tasks, running workers and the driver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, g, "status")
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := store.Open(ctx, a.cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer st.Close()

			r, err := status.Collect(ctx, *a.cfg, st, procs.NewSystemProber(), time.Now())
			if err != nil {
				return err
			}
			return status.Write(cmd.OutOrStdout(), r, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
