// Package cmd defines the navigator command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/config"
	"github.com/JakeFAU/market-navigator/internal/logging"
)

type rootOptions struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
	undoStd func()
}

// newRootCmd builds the command tree. Config and the logger are loaded once
// in PersistentPreRunE so every subcommand sees the same values.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "navigator",
		Short: "Collects end-of-day market snapshots and ranks them.",
		Long: `navigator visits quote pages for a configured symbol list after the
market closes, validates and accumulates the snapshots, and ranks them
once the day's crawl is complete or the analysis deadline passes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			opts.undoStd = logging.RedirectStdLog(logger)
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.undoStd != nil {
				opts.undoStd()
			}
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCycleCmd(opts))
	cmd.AddCommand(newScheduleCmd(opts))
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
