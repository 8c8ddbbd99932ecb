// Package logging provides structured logging configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Level  string    `yaml:"level"`
	Format string    `yaml:"format"` // json (default) or text
	Output io.Writer `yaml:"-"`
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// NewLogger builds a slog.Logger writing to stdout unless Output is set.
func NewLogger(cfg Config) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Output != nil {
		out = cfg.Output
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// Discard returns a logger that drops every record. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
