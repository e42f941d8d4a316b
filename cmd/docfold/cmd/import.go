package cmd

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/internal/coordinator"
	"github.com/docfold/docfold/internal/store"
)

// importOptions holds CLI flags for import.
type importOptions struct {
	key   string
	name  string
	mime  string
	async bool
}

func newImportCmd() *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import <collection> <file>...",
		Short: "Import documents into a collection",
		Long: `Import one or more files into a collection.

Each file is keyed by its base name unless --key is given. Re-importing
a file with unchanged content refreshes metadata only; changed content
replaces the old document atomically.

Examples:
  docfold import kb docs/guide.md
  docfold import kb notes.txt --key meeting-notes --name "Meeting notes"
  docfold import kb docs/*.md --async`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), cmd, args[0], args[1:], opts)
		},
	}

	cmd.Flags().StringVar(&opts.key, "key", "", "Document key (single file only, defaults to base name)")
	cmd.Flags().StringVar(&opts.name, "name", "", "Display name (single file only)")
	cmd.Flags().StringVar(&opts.mime, "mime", "", "MIME type (detected from extension when empty)")
	cmd.Flags().BoolVar(&opts.async, "async", false, "Return immediately instead of waiting for sync to finish")

	return cmd
}

func runImport(ctx context.Context, cmd *cobra.Command, collection string, files []string, opts importOptions) error {
	if opts.key != "" && len(files) > 1 {
		return fmt.Errorf("--key only applies to a single file, got %d", len(files))
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// Resume any syncs interrupted by a previous run before adding work.
	if _, err := a.coord.Recover(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		key := opts.key
		if key == "" {
			key = filepath.Base(file)
		}
		name := opts.name
		if name == "" {
			name = filepath.Base(file)
		}
		mimeType := opts.mime
		if mimeType == "" {
			mimeType = mime.TypeByExtension(filepath.Ext(file))
		}

		res, err := a.coord.ImportDocument(ctx, coordinator.ImportRequest{
			Collection: collection,
			Key:        key,
			Name:       name,
			Mime:       mimeType,
			Content:    string(content),
		})
		if err != nil {
			return fmt.Errorf("failed to import %s: %w", file, err)
		}

		switch {
		case res.Unchanged:
			fmt.Fprintf(out, "%s: unchanged (doc %s)\n", file, res.DocID)
			continue
		case res.Replaced:
			fmt.Fprintf(out, "%s: replaced (doc %s)\n", file, res.DocID)
		default:
			fmt.Fprintf(out, "%s: importing (doc %s)\n", file, res.DocID)
		}

		if opts.async {
			continue
		}
		status, err := a.waitForDoc(ctx, res.DocID)
		if err != nil {
			return err
		}
		if status == store.JobStatusDead {
			failed++
			job, jerr := a.store.GetJobByDoc(ctx, res.DocID)
			if jerr == nil {
				fmt.Fprintf(out, "%s: sync failed after %d retries: %s\n", file, job.Retries, job.ErrorMessage)
			} else {
				fmt.Fprintf(out, "%s: sync failed\n", file)
			}
			continue
		}
		fmt.Fprintf(out, "%s: synced\n", file)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed to sync; see 'docfold status' and 'docfold resync'", failed, len(files))
	}
	return nil
}
