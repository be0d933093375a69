package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show provider availability and circuit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, cleanup, err := buildRouter(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		for _, name := range r.AvailableProviders() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tavailable\n", name)
		}
		for _, name := range r.DisabledProviders() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tcircuit open\n", name)
		}
		return nil
	},
}
