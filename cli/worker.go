package cli

import (
	"github.com/spf13/cobra"

	"github.com/bsaid97/go-spatial-overlay/engine"
	"github.com/bsaid97/go-spatial-overlay/pipeline"
)

// newWorkerCmd is the child side of process isolation: one work request on
// stdin, one result on stdout.
func newWorkerCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one chunk read from stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := g.settings(cmd)
			if err != nil {
				return err
			}
			newEngine := func(c engine.Config) engine.Engine { return engine.NewApportioner(c) }
			return pipeline.ServeWorker(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), newEngine, logger)
		},
	}
}
