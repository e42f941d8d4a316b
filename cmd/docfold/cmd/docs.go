package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDocsCmd() *cobra.Command {
	var limit int
	var offset int

	cmd := &cobra.Command{
		Use:   "docs <collection>",
		Short: "List documents in a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			docs, err := a.coord.ListDocuments(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(docs) == 0 {
				fmt.Fprintln(out, "no documents")
				return nil
			}
			for _, d := range docs {
				fmt.Fprintf(out, "%s\t%-10s\t%s\t%s\n",
					d.ID, d.Status, d.UpdatedAt.Format(time.RFC3339), d.Key)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum number of documents")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of documents to skip")

	return cmd
}
