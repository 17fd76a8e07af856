// Package ctxkeys carries request-scoped values across component boundaries.
// This package is internal and should not be imported by external projects.
package ctxkeys

import "context"

type contextKey string

const (
	traceIDKey      contextKey = "trace_id"
	handoffDepthKey contextKey = "handoff_depth"
)

// WithTraceID attaches a trace id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace id attached to the context, if any.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithHandoffDepth records how many chained handoffs precede this call.
func WithHandoffDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, handoffDepthKey, depth)
}

// HandoffDepth returns the current handoff chain depth, zero when unset.
func HandoffDepth(ctx context.Context) int {
	v, ok := ctx.Value(handoffDepthKey).(int)
	if !ok {
		return 0
	}
	return v
}
