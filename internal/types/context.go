package types

import (
	"context"
	"log/slog"
)

// Context Keys
type contextKey string

const (
	invocationIDKey contextKey = "invocation_id"
	loggerKey       contextKey = "logger"
)

// WithInvocationID stores the invocation ID (the Lambda request ID, or a
// generated UUID for local runs) in the context.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// GetInvocationID retrieves the invocation ID from the context.
func GetInvocationID(ctx context.Context) string {
	id, _ := ctx.Value(invocationIDKey).(string)
	return id
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the logger from the context. The returned
// logger is expected to have been pre-enriched with invocation-scoped fields
// (invocation_id, file_type) by the handler before storage.
// Returns fallback if no logger has been set.
func LoggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return slog.Default()
	}
	return fallback
}
