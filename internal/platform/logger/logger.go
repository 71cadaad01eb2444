// Package logger provides structured logging for the application: a JSON
// slog configured from server settings, plus context helpers so request
// handlers and stores share one correlated logger.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a private type so the logger context key cannot collide.
type contextKey struct{}

// Setup configures the application's logging based on the given level name,
// sets the result as the process default, and returns it. Unknown level
// names fall back to info with a warning.
func Setup(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
		tmp := slog.New(slog.NewTextHandler(os.Stderr, nil))
		tmp.Warn("invalid log level configured, using default level",
			"configured_level", level,
			"default_level", "info")
	}

	// Logs go to stderr: stdout may carry a wire protocol (the MCP stdio
	// transport), and a log line in that stream corrupts the session.
	log := New(os.Stderr, lvl)
	slog.SetDefault(log)
	return log
}

// New builds a JSON logger writing to w at the given level.
func New(w io.Writer, lvl slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// WithLogger returns a context carrying the logger.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger carried by ctx, or the process default.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}
