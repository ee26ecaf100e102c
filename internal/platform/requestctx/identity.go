// Package requestctx carries caller identity forwarded by the upstream authenticator.
package requestctx

import "context"

type identityContextKey struct{}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID string
	Role   string
}

// WithIdentity stores a caller identity in context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the caller identity stored in context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok
}
