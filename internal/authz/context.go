package authz

import (
	"context"
	"net/http"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller of a request. SessionID identifies the
// login session the bearer token was issued for.
type Identity struct {
	UserID    int64
	SessionID string
}

// WithIdentity stores the caller's identity on the context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	if identity.UserID == 0 {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	if !ok || identity.UserID == 0 {
		return Identity{}, false
	}
	return identity, true
}

func CurrentUserID(ctx context.Context) (int64, bool) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return 0, false
	}
	return identity.UserID, true
}

func UserIDFromRequest(r *http.Request) (int64, bool) {
	return CurrentUserID(r.Context())
}
