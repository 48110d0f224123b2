// Package logging configures the daemon's default slog handler. Every other
// package logs through the standard library log/slog directly, the same way
// the teacher's internal/* packages do: no wrapper type, no logger threaded
// through function signatures.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup installs the default slog handler, text by default, JSON when the
// environment says so (REPLBRIDGE_LOG_JSON=1), mirroring the env-toggle
// pattern the config loader uses for its own overrides.
func Setup() {
	level := parseLevel(os.Getenv("REPLBRIDGE_LOG_LEVEL"))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if jsonEnabled(os.Getenv("REPLBRIDGE_LOG_JSON")) {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func jsonEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
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

// NewEventLogger builds a component-scoped logger that tags every record
// with a dotted component name, matching the teacher's
// "security.cors_rejected"-style event naming (e.g. NewEventLogger("router")
// then log.Info("retry_exhausted", ...) emits "router.retry_exhausted" as
// the msg prefix convention callers follow by hand).
func NewEventLogger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Discard returns a logger that drops everything, for tests that don't want
// log noise but still need a non-nil *slog.Logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
