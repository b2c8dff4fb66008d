// Package observability provides structured logging, request ID propagation,
// and OpenTelemetry tracing for the gateway.
package observability

import (
	"io"
	"log/slog"
	"strings"
)

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level      string // debug, info, warn, error
	Output     io.Writer
	JSONFormat bool
	AddSource  bool
}

// NewLogger creates a slog logger from cfg.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
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
