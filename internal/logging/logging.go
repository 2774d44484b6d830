// Package logging builds the daemon's structured logger. Grounded on the
// teacher's use of leveled, structured logging throughout pkg/anchor and
// pkg/database: a single log/slog.Logger is constructed at startup and
// threaded into every component via constructor options.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger writing JSON to stderr at the given level
// ("debug", "info", "warn", "error"; unrecognized values fall back to
// info). JSON output matches the teacher's preference for machine-parsable
// logs over a human-formatted handler.
func New(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h)
}

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
