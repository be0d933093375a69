package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbus-cli/nimbus/internal/usage"
)

var flagUsageDays int

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Summarize recorded token usage and cost",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := usage.DefaultUsagePath()
		if err != nil {
			return err
		}
		sink, err := usage.NewSQLiteSink(path)
		if err != nil {
			return err
		}
		defer sink.Close()

		since := time.Now().AddDate(0, 0, -flagUsageDays)
		totals, err := sink.TotalsSince(cmd.Context(), since)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "last %d days: %d requests, %d tokens, $%.4f\n",
			flagUsageDays, totals.Requests, totals.TotalTokens, totals.CostUSD)
		return nil
	},
}

func init() {
	usageCmd.Flags().IntVar(&flagUsageDays, "days", 30, "reporting window in days")
}
