// Package trace provides trace ID generation and context propagation so a
// chat command can be followed from the router through every MUC call and
// into the audit log.
package trace

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// traceKey is the unexported context key used to store the trace ID.
type traceKey struct{}

// GenerateID returns a short, unique trace ID such as "t_3f2c9a1e0b7d4c55".
func GenerateID() string {
	return "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx unchanged when it already carries a trace ID, otherwise a
// child context with a fresh one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID()
	return WithTraceID(ctx, id), id
}
