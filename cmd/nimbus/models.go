package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models served by the configured providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, cleanup, err := buildRouter(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		catalog := r.AvailableModels()
		names := make([]string, 0, len(catalog))
		for name := range catalog {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tMODEL\tCONTEXT\tMAX OUTPUT")
		for _, name := range names {
			for _, m := range catalog[name] {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", name, m.ID, m.ContextWindow, m.MaxTokens)
			}
		}
		return w.Flush()
	},
}
