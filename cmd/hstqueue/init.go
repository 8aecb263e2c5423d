package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdart-go/hstqueue/internal/setup"
)

func newInitCmd() *cobra.Command {
	var opts setup.Options
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter hstqueue.yaml and its log directories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, err := setup.Run(dir, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.SourceRoot, "source-root", "", "directory holding the pipeline worker scripts")
	cmd.Flags().StringVar(&opts.Interpreter, "interpreter", "", "interpreter used to run worker scripts")
	cmd.Flags().StringVar(&opts.StoreDSN, "store", "", "task store path or redis:// URL")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing config")
	return cmd
}
