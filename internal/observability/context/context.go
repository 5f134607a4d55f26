// Package context carries correlation identifiers through request handling.
package context

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	providerKey  contextKey = "provider"
	eventIDKey   contextKey = "event_id"
)

// WithRequestID stores the request correlation id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request correlation id, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithProvider stores the webhook provider handling this request.
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerKey, provider)
}

// ProviderFromContext returns the webhook provider, if any.
func ProviderFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(providerKey).(string)
	return value
}

// WithEventID stores the provider event id being processed.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey, eventID)
}

// EventIDFromContext returns the provider event id, if any.
func EventIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(eventIDKey).(string)
	return value
}
