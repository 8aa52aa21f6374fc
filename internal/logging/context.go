package logging

import (
	"context"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey int

const loggerKey contextKey = iota

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns the logger attached to the context, or the global
// logger when none is attached.
func FromCtx(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Global()
}
