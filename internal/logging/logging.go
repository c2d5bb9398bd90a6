// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds a logger writing to w. format is "json" or "text".
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Init builds a stdout logger and installs it as the slog default.
func Init(level slog.Level, format string) *slog.Logger {
	l := New(os.Stdout, level, format)
	slog.SetDefault(l)
	return l
}

// Component returns a child logger tagged with the component name so log
// lines from the loop, the clients and the CLI can be told apart.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("component", name))
}
