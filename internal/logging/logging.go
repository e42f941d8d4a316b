package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls the process-wide logger.
type Config struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string
	// FilePath is the log file; empty logs to stderr only.
	FilePath string
	// MaxSizeMB caps the file size before rotation.
	MaxSizeMB int
	// MaxFiles caps how many rotated files are kept.
	MaxFiles int
	// WriteToStderr mirrors file output to stderr.
	WriteToStderr bool
}

// Setup builds a JSON slog logger from cfg. The returned cleanup
// flushes and closes the log file; it is a no-op when no file is
// configured.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	cleanup := func() {}

	if cfg.FilePath != "" {
		writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		out = writer
		if cfg.WriteToStderr {
			out = io.MultiWriter(writer, os.Stderr)
		}
		cleanup = func() {
			_ = writer.Sync()
			_ = writer.Close()
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	return slog.New(handler), cleanup, nil
}

// parseLevel maps a config string onto a slog level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
