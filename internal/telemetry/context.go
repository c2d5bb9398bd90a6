package telemetry

import (
	"context"

	"github.com/google/uuid"
)

// turnIDKey is the context key type used to store a turn ID.
type turnIDKey struct{}

// sessionIDKey is the context key type used to store a session ID.
type sessionIDKey struct{}

// WithTurnID returns a child context that carries the provided turn ID.
// If ctx is nil, context.Background() is used
func WithTurnID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, turnIDKey{}, id)
}

// TurnIDFromContext returns the turn ID from ctx, if present.
// Returns "", false if the value is missing or not a non-empty string.
func TurnIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v := ctx.Value(turnIDKey{})
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// WithSessionID returns a child context carrying the session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFromContext returns the session ID from ctx, if present.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v := ctx.Value(sessionIDKey{})
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// NewID returns a fresh random identifier for sessions and turns.
func NewID() string {
	return uuid.NewString()
}
