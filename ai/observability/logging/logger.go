// Package logging configures structured logging for the service.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Format selects the handler encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// FormatForMode returns JSON for prod and text everywhere else.
func FormatForMode(mode string) Format {
	if mode == "prod" {
		return FormatJSON
	}
	return FormatText
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
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

// NewHandler creates a handler writing to w.
func NewHandler(w io.Writer, format Format, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Setup installs a logger for mode as the slog default and returns it.
func Setup(w io.Writer, mode, level string) *slog.Logger {
	logger := slog.New(NewHandler(w, FormatForMode(mode), ParseLevel(level)))
	slog.SetDefault(logger)
	return logger
}

type loggerKey struct{}

// ToContext attaches l to ctx.
func ToContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger attached to ctx, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
