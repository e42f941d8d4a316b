package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir is ~/.docfold/logs, falling back to the temp directory
// when the home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".docfold", "logs")
	}
	return filepath.Join(home, ".docfold", "logs")
}

// DefaultLogPath is the default service log file.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "docfold.log")
}
