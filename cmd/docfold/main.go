// Package main provides the entry point for the docfold CLI.
package main

import (
	"os"

	"github.com/docfold/docfold/cmd/docfold/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
