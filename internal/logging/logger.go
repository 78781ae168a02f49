package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a structured logger on stdout appropriate for the
// environment. Production uses JSON at info, everything else uses
// human-readable text at debug.
func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env)
}

// NewLoggerTo is NewLogger writing to w.
func NewLoggerTo(w io.Writer, env string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	opts.Level = slog.LevelDebug

	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops every record. Used as the default
// when a component is constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
