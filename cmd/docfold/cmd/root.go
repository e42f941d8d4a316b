// Package cmd provides the CLI commands for docfold.
package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/internal/config"
	"github.com/docfold/docfold/pkg/version"
)

// Persistent flags shared by every command.
var (
	configPath string
	debugMode  bool
)

// NewRootCmd creates the root command for the docfold CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docfold",
		Short: "Document indexing and hybrid search",
		Long: `Docfold ingests text documents, splits them into chunks, embeds the
chunks through an external embedding API, and indexes them for hybrid
search (keyword FTS + vector similarity, fused with reciprocal rank
fusion).

Ingestion state is durable: interrupted syncs resume from the last
completed step on the next run.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("docfold version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"Path to the configuration file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"Enable debug logging")

	cmd.AddCommand(newCollectionsCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newDocsCmd())
	cmd.AddCommand(newResyncCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newCleanupCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// defaultConfigPath is ~/.docfold/config.yaml.
func defaultConfigPath() string {
	return filepath.Join(config.DefaultDataDir(), "config.yaml")
}
