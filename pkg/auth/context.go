package auth

import (
	"context"
	"net/http"

	"github.com/platinummonkey/hearth/pkg/contextkeys"
)

// WithIdentity stores the verified identity and its user id in ctx
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	ctx = contextkeys.WithIdentity(ctx, identity)
	return contextkeys.WithUserID(ctx, identity.UserID)
}

// IdentityFromContext returns the verified identity, or nil
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(contextkeys.IdentityKey).(*Identity)
	return identity
}

// GetIdentity returns the identity attached to the request, or nil
func GetIdentity(r *http.Request) *Identity {
	return IdentityFromContext(r.Context())
}
