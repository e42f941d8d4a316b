package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/internal/store"
)

func newResyncCmd() *cobra.Command {
	var async bool

	cmd := &cobra.Command{
		Use:   "resync <doc-id>",
		Short: "Reprocess a document from the beginning",
		Long: `Reset a document's sync job and run the full pipeline again.

This is the manual escape hatch for documents whose sync exhausted its
retries (status DEAD).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.coord.ResyncDocument(ctx, args[0]); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "resyncing doc %s\n", args[0])

			if async {
				return nil
			}
			status, err := a.waitForDoc(ctx, args[0])
			if err != nil {
				return err
			}
			if status == store.JobStatusDead {
				return fmt.Errorf("resync of %s failed; see 'docfold status %s'", args[0], args[0])
			}
			fmt.Fprintf(out, "doc %s synced\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&async, "async", false, "Return immediately instead of waiting for sync to finish")

	return cmd
}
