package security

import (
	"authgate/internal/domain/model"
	"context"
)

// Identity is what a verified token says about its holder.
type Identity struct {
	Subject string
	Role    model.Role
}

// TokenIssuer mints the session token handed out on login and maps a stored
// token back to an identity.
type TokenIssuer interface {
	Issue(ctx context.Context, user *model.User) (string, error)
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticToken is the opaque token of the demo backend.
const StaticToken = "1234"

// StaticTokens hands out the same opaque token to everyone and trusts any
// token it is shown, answering with the configured identity.
type StaticTokens struct {
	Identity Identity
}

func (s StaticTokens) Issue(ctx context.Context, user *model.User) (string, error) {
	return StaticToken, nil
}

func (s StaticTokens) Verify(ctx context.Context, token string) (Identity, error) {
	return s.Identity, nil
}
