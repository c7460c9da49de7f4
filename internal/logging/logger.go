// Package logging provides structured logging configuration using log/slog.
//
// Loggers obtained from a context carry the chi request ID of the HTTP call
// that triggered a pipeline run and the run ID assigned by the orchestrator,
// so every entry of one run can be correlated.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Setup installs the process logger on stdout. level is debug, info, warn
// or error; format is text or json. Unknown values fall back to info and
// text, since config validation has already rejected them.
func Setup(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger writing to w. Every entry carries service=salesetl so
// pipeline logs can be told apart when shipped next to the database's. At
// debug level the source location is included.
func New(w io.Writer, level, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", "salesetl")
}

func parseLevel(level string) slog.Level {
	var lvl slog.Level
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type runIDKey struct{}

// ContextWithRunID returns a copy of ctx carrying the pipeline run ID.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run ID stored by ContextWithRunID, if any.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// FromContext returns a logger enriched with request and run context.
//
// request_id is added when the context passed through chi's RequestID
// middleware; run_id is added inside a pipeline run.
//
// Usage:
//
//	logger := logging.FromContext(ctx)
//	logger.Info("file read", "file", name, "rows", len(rows))
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	// Chi's RequestID middleware stores the ID in context
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if runID := RunIDFromContext(ctx); runID != "" {
		logger = logger.With("run_id", runID)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
//
// This is useful for creating operation-specific loggers that carry
// consistent context through a multi-step process.
//
// Usage:
//
//	phaseLogger := logging.WithFields(ctx, "phase", "loading")
//	phaseLogger.Info("load attempt started", "attempt", attempt)
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
