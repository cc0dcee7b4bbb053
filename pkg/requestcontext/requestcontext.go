// Package requestcontext carries request-scoped values (correlation id, client
// metadata, request time) through context without importing HTTP packages.
package requestcontext

import (
	"context"
	"time"
)

type (
	requestIDKey struct{}
	clientIPKey  struct{}
	userAgentKey struct{}
	timeKey      struct{}
)

// WithRequestID stores the correlation id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID returns the correlation id, or "" outside a request.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithClientMetadata stores the originating network address and user agent.
func WithClientMetadata(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, ip)
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return ""
}

func UserAgent(ctx context.Context) string {
	if v, ok := ctx.Value(userAgentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTime pins "now" for everything downstream of ctx.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, timeKey{}, t)
}

// Now returns the request-scoped time, falling back to the wall clock for
// workers and tests that never went through the HTTP middleware.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(timeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}
