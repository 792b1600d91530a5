// Package logging builds the process-wide structured logger. Every pairlink
// process logs JSON to stdout with the app and service baked into each record,
// so one collector configuration covers the relay and the CLI alike.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	ServiceName string
	Environment string
	Level       string
}

// NewLogger returns a JSON logger at the configured level. Debug level also
// records the source position of each call site.
func NewLogger(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})
	return slog.New(handler).With(
		slog.String("app", "pairlink"),
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
