package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/internal/coordinator"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status <doc-id>",
		Short: "Show a document's sync status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.coord.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			return formatStatus(cmd, status)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")

	return cmd
}

func formatStatus(cmd *cobra.Command, status *coordinator.DocumentStatus) error {
	out := cmd.OutOrStdout()
	doc := status.Document

	fmt.Fprintf(out, "Document:   %s\n", doc.ID)
	fmt.Fprintf(out, "  Key:      %s\n", doc.Key)
	if doc.Name != "" {
		fmt.Fprintf(out, "  Name:     %s\n", doc.Name)
	}
	fmt.Fprintf(out, "  Status:   %s\n", doc.Status)
	fmt.Fprintf(out, "  Size:     %d bytes\n", doc.SizeBytes)
	fmt.Fprintf(out, "  Updated:  %s\n", doc.UpdatedAt.Format(time.RFC3339))

	job := status.Job
	if job == nil {
		fmt.Fprintln(out, "Sync job:   none")
		return nil
	}
	fmt.Fprintf(out, "Sync job:   %s\n", job.ID)
	fmt.Fprintf(out, "  State:    %s (%d%%)\n", job.Status, job.Progress)
	fmt.Fprintf(out, "  Retries:  %d\n", job.Retries)
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:    [%s] %s\n", job.ErrorCategory, job.ErrorMessage)
	}
	if !job.CompletedAt.IsZero() {
		fmt.Fprintf(out, "  Finished: %s (%dms)\n", job.CompletedAt.Format(time.RFC3339), job.DurationMs)
	}
	return nil
}
