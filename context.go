package flux

import "context"

type contextKey int

const (
	correlationIDKey contextKey = iota
	eventIDKey
)

// WithCorrelation returns a context carrying a correlation ID. Emit
// picks it up when no explicit correlation ID is set on the event, and
// handlers receive it on their context.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// ContextCorrelation returns the correlation ID from the context, or
// "" if none is set.
func ContextCorrelation(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// WithEventID returns a context carrying the event ID. Set by the
// dispatcher before invoking handlers.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey, eventID)
}

// ContextEventID returns the event ID from the context, or "" if none
// is set.
func ContextEventID(ctx context.Context) string {
	if v, ok := ctx.Value(eventIDKey).(string); ok {
		return v
	}
	return ""
}
