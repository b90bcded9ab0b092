// Package logging provides structured logging for the delivery core.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	attemptIDKey contextKey = "attempt_id"
	workerKey    contextKey = "worker_name"
	loggerKey    contextKey = "logger"
)

// New creates a new structured logger.
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithAttemptID attaches a request_attempt id to the context.
func WithAttemptID(ctx context.Context, attemptID string) context.Context {
	return context.WithValue(ctx, attemptIDKey, attemptID)
}

// AttemptID extracts the attempt id from context.
func AttemptID(ctx context.Context) string {
	if id, ok := ctx.Value(attemptIDKey).(string); ok {
		return id
	}
	return ""
}

// WithWorkerName attaches the owning worker's name to the context.
func WithWorkerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerKey, name)
}

// WorkerName extracts the worker name from context.
func WorkerName(ctx context.Context) string {
	if name, ok := ctx.Value(workerKey).(string); ok {
		return name
	}
	return ""
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns a logger decorated with whatever attempt/worker identifiers
// are present on ctx.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if id := AttemptID(ctx); id != "" {
		logger = logger.With("attempt_id", id)
	}
	if w := WorkerName(ctx); w != "" {
		logger = logger.With("worker_name", w)
	}
	return logger
}
