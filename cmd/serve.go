package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/market-navigator/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scheduler, crawl queue and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := server.Build(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context())
		},
	}
}
