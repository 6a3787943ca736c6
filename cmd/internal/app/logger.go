package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates a structured logger with an explicit level.
// format "pretty" selects the human-readable handler (colored unless NO_COLOR is set); anything
// else selects JSON.
func NewLogger(level, format string) *slog.Logger {
	log := slog.New(newLogHandler(os.Stdout, level, format, os.Getenv("NO_COLOR") == ""))
	slog.SetDefault(log)
	return log
}

func newLogHandler(w io.Writer, level, format string, color bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pretty", "text", "dev":
		return newPrettyHandler(w, opts, color)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
