// ABOUTME: Authentication context for tracking the calling user through handlers
// ABOUTME: WithIdentity/FromContext carry the resolved Identity; UserID is the shortcut handlers use

package auth

import (
	"context"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	// Method is "jwt" or "header".
	Method string
}

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the Identity stored in ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// UserID returns the authenticated user id, or "" when unauthenticated.
func UserID(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}
