// Package logging provides file-based structured logging with rotation
// for docfold. Logs are JSON-formatted via log/slog and written to
// ~/.docfold/logs/ with an optional stderr mirror.
package logging
