package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/market-navigator/internal/calendar"
)

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Prints how the market calendar classifies an instant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			oracle, err := calendar.New(opts.cfg.Schedule.Calendar())
			if err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				now, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(oracle.Evaluate(now))
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "instant to evaluate (RFC3339, default now)")
	return cmd
}
