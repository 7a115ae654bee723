// Package auth anchors every kernel interaction to a caller identity. The
// identity travels in the context; over HTTP it arrives as a signed bearer
// token.
package auth

import (
	"context"
	"errors"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

type contextKey string

const (
	identityKey contextKey = "identity"
)

// ErrNoIdentity is returned when the context carries no identity.
var ErrNoIdentity = errors.New("no identity in context")

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id contracts.UserIdentity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom retrieves the identity from the context.
func IdentityFrom(ctx context.Context) (contracts.UserIdentity, error) {
	id, ok := ctx.Value(identityKey).(contracts.UserIdentity)
	if !ok || id.IsZero() {
		return contracts.UserIdentity{}, ErrNoIdentity
	}
	return id, nil
}

// Anonymous is the identity used when authentication is disabled.
func Anonymous() contracts.UserIdentity {
	return contracts.UserIdentity{UserID: "anonymous", Role: contracts.RoleAnalyst}
}
