package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()
	assert.True(t, strings.HasSuffix(path, "docfold.log"))
	assert.Contains(t, path, ".docfold")
}

func TestSetup_WritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "docfold.log")

	logger, cleanup, err := Setup(Config{
		Level:         "info",
		FilePath:      logPath,
		MaxSizeMB:     1,
		MaxFiles:      2,
		WriteToStderr: false,
	})
	require.NoError(t, err)

	logger.Info("doc_synced", "doc_id", "abc123", "chunks", 3)
	cleanup()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0]), &entry))
	assert.Equal(t, "doc_synced", entry["msg"])
	assert.Equal(t, "abc123", entry["doc_id"])
}

func TestSetup_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "docfold.log")

	logger, cleanup, err := Setup(Config{
		Level:         "warn",
		FilePath:      logPath,
		MaxSizeMB:     1,
		MaxFiles:      2,
		WriteToStderr: false,
	})
	require.NoError(t, err)

	logger.Debug("dropped")
	logger.Info("also_dropped")
	logger.Warn("kept")
	cleanup()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestRotatingWriter_RotatesAtMaxSize(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "docfold.log")

	// 1 MB max; write past the threshold in large blocks.
	w, err := NewRotatingWriter(logPath, 1, 3)
	require.NoError(t, err)
	defer w.Close()

	block := strings.Repeat("x", 256*1024)
	for i := 0; i < 5; i++ {
		_, err := w.Write([]byte(block))
		require.NoError(t, err)
	}

	_, err = os.Stat(logPath + ".1")
	assert.NoError(t, err, "rotated file should exist")
}

func TestSetup_NoFileLogsToStderrOnly(t *testing.T) {
	logger, cleanup, err := Setup(Config{Level: "info"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	cleanup()
}

func TestRotatingWriter_KeepsLimitedBackups(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "docfold.log")

	w, err := NewRotatingWriter(logPath, 1, 2)
	require.NoError(t, err)
	defer w.Close()

	block := strings.Repeat("x", 1<<20)
	for i := 0; i < 4; i++ {
		_, err := w.Write([]byte(block))
		require.NoError(t, err)
	}

	_, err = os.Stat(logPath + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(logPath + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(logPath + ".3")
	assert.True(t, os.IsNotExist(err), "backups past the keep limit must be dropped")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in).String(), tt.in)
	}
}
