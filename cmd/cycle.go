package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/scheduler"
	"github.com/JakeFAU/market-navigator/internal/server"
)

func newCycleCmd(opts *rootOptions) *cobra.Command {
	var symbols []string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Runs one crawl cycle in the foreground and prints its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(symbols) > 0 {
				opts.cfg.Crawl.Symbols = symbols
			}
			app, err := server.Build(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := app.Close(cmd.Context()); cerr != nil {
					opts.logger.Warn("close failed", zap.Error(cerr))
				}
			}()
			report, err := app.RunCycle(cmd.Context(), scheduler.TriggerManual)
			if err != nil {
				return fmt.Errorf("run cycle: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "override crawl.symbols for this run")
	return cmd
}
