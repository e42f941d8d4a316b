package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show service-wide statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.coord.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Collections:     %d\n", stats.Store.Collections)
			fmt.Fprintf(out, "Documents:       %d\n", stats.Store.Documents)
			fmt.Fprintf(out, "Chunks:          %d\n", stats.Store.Chunks)
			fmt.Fprintf(out, "Vector points:   %d\n", stats.VectorPoints)
			fmt.Fprintf(out, "Pending retries: %d\n", stats.PendingRetries)
			for attempt, n := range stats.RetriesByAttempt {
				fmt.Fprintf(out, "  attempt %d: %d\n", attempt, n)
			}
			if len(stats.Store.JobsByState) > 0 {
				fmt.Fprintln(out, "Jobs:")
				for state, n := range stats.Store.JobsByState {
					fmt.Fprintf(out, "  %-10s %d\n", state, n)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output stats as JSON")

	return cmd
}
