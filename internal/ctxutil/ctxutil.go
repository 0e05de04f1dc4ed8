// Package ctxutil provides shared context key accessors.
//
// The request client marks replayed requests here so the refresh coordinator
// and the transport agree on when a request may no longer be retried.
package ctxutil

import (
	"context"
)

type contextKey string

const (
	keyRetried   contextKey = "retried"
	keyRequestID contextKey = "request_id"
)

// WithRetried returns a context marking the request as already replayed once
// after an authentication failure.
func WithRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, keyRetried, true)
}

// Retried reports whether the request carried by ctx was already replayed.
func Retried(ctx context.Context) bool {
	v, _ := ctx.Value(keyRetried).(bool)
	return v
}

// WithRequestID returns a new context carrying the given client request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the client request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
