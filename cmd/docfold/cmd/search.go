package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/internal/coordinator"
	"github.com/docfold/docfold/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit  int
	format string // "text", "json"
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <collection> <query>...",
		Short: "Search a collection",
		Long: `Run a hybrid search against a collection.

Keyword (FTS) and semantic (embedding) results are fused with
reciprocal rank fusion. If one arm fails, results come from the
surviving arm and the response is marked degraded.

Examples:
  docfold search kb "authentication middleware"
  docfold search kb retry backoff --limit 5
  docfold search kb "setup instructions" --format json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args[1:], " ")
			return runSearch(cmd.Context(), cmd, args[0], query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", search.DefaultLimit, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, collection, query string, opts searchOptions) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.coord.Search(ctx, coordinator.SearchRequest{
		Collection: collection,
		Query:      query,
		Limit:      opts.limit,
	})
	if err != nil {
		return err
	}

	switch opts.format {
	case "json":
		return formatSearchJSON(cmd, resp)
	default:
		return formatSearchText(cmd, query, resp)
	}
}

// formatSearchText prints human-readable results.
func formatSearchText(cmd *cobra.Command, query string, resp *search.Response) error {
	out := cmd.OutOrStdout()

	if resp.Degraded {
		fmt.Fprintf(out, "warning: %s search unavailable, results are keyword/semantic only\n\n", resp.DegradedArm)
	}
	if len(resp.Results) == 0 {
		fmt.Fprintf(out, "No results found for %q\n", query)
		return nil
	}

	fmt.Fprintf(out, "Found %d results for %q:\n\n", len(resp.Results), query)
	for i, r := range resp.Results {
		title := r.Title
		if title == "" {
			title = fmt.Sprintf("chunk %d", r.ChunkIndex)
		}
		fmt.Fprintf(out, "%d. %s (doc %s, score: %.4f)\n", i+1, title, shortID(r.DocID), r.Score)
		for _, line := range snippet(r.Content, 3) {
			fmt.Fprintf(out, "   %s\n", line)
		}
		fmt.Fprintln(out)
	}
	return nil
}

// formatSearchJSON prints the full response as indented JSON.
func formatSearchJSON(cmd *cobra.Command, resp *search.Response) error {
	type jsonResult struct {
		PointID    string  `json:"point_id"`
		DocID      string  `json:"doc_id"`
		ChunkIndex int     `json:"chunk_index"`
		Title      string  `json:"title,omitempty"`
		Content    string  `json:"content"`
		Score      float64 `json:"score"`
	}
	type jsonResponse struct {
		Results     []jsonResult `json:"results"`
		Degraded    bool         `json:"degraded,omitempty"`
		DegradedArm string       `json:"degraded_arm,omitempty"`
	}

	jr := jsonResponse{Degraded: resp.Degraded, DegradedArm: resp.DegradedArm}
	for _, r := range resp.Results {
		jr.Results = append(jr.Results, jsonResult{
			PointID:    r.PointID,
			DocID:      r.DocID,
			ChunkIndex: r.ChunkIndex,
			Title:      r.Title,
			Content:    r.Content,
			Score:      r.Score,
		})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}

// snippet returns the first n non-trailing-blank lines of content.
func snippet(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// shortID abbreviates a UUID for terminal output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
