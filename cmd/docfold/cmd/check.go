package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check store/vector index consistency",
		Long: `Compare chunk rows in the store against points in the vector index.

Drift is normal while syncs are in flight; persistent drift after all
jobs are terminal means a crash left orphans behind. 'docfold resync'
repairs affected documents.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.coord.CheckConsistency(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store chunks:  %d\n", report.StoreChunks)
			fmt.Fprintf(out, "Vector points: %d\n", report.VectorPoints)
			if !report.Consistent {
				return fmt.Errorf("store and vector index disagree (%d chunks vs %d points)",
					report.StoreChunks, report.VectorPoints)
			}
			fmt.Fprintln(out, "Consistent.")
			return nil
		},
	}
}
