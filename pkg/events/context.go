package events

import "context"

type traceKey struct{}

// WithTrace returns a context carrying the trace id. Services thread this
// through every call that appends receipts or publishes events so a single
// business transaction shares one trace.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceFrom extracts the trace id, or "" when the context carries none.
func TraceFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
