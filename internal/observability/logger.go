package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the base structured logger. format is "json" or "text";
// anything else falls back to text. level is parsed case-insensitively
// ("debug", "info", "warn", "error"); an unrecognized level falls back to
// info.
func NewLogger(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a config string to a slog.Level, defaulting to Info.
func ParseLevel(level string) slog.Level {
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

// WithStageLevel returns a logger that filters below level and is tagged
// with stage, for a pipeline module's own "loglevel" option — the Go
// reshaping of SentryModule's per-module logger.setLevel override.
func WithStageLevel(base *slog.Logger, stage, level string) *slog.Logger {
	handler := base.Handler()
	if level != "" {
		handler = &levelOverrideHandler{Handler: handler, level: ParseLevel(level)}
	}
	return slog.New(handler).With("stage", stage)
}

// levelOverrideHandler wraps a slog.Handler and substitutes a fixed minimum
// level for Enabled, regardless of what the wrapped handler itself uses.
type levelOverrideHandler struct {
	slog.Handler
	level slog.Level
}

func (h *levelOverrideHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}
