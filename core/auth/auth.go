// Package auth carries the identity of the caller through a context.Context.
// The transaction manager consults it on every lease, status change and
// listing to decide whether the caller may see a transaction.
package auth

import "context"

// Identity is the authenticated user behind a request.
type Identity struct {
	User      string `json:"user"`
	Superuser bool   `json:"superuser"`
}

type identityKey struct{}

// WithIdentity returns a copy of ctx that carries id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored in ctx, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authorized reports whether the caller in ctx may access an object owned by owner.
// Internal callers (no identity attached) and superusers are always authorized.
func Authorized(ctx context.Context, owner string) bool {
	id, ok := FromContext(ctx)
	if !ok || id.Superuser {
		return true
	}
	return id.User == owner
}

// CurrentUser returns the user name in ctx, or "" for internal callers.
func CurrentUser(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.User
}
