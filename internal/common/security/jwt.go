package security

import (
	"authgate/internal/common"
	"authgate/internal/domain/model"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTTokens issues HS256 tokens carrying the username as "sub". Tokens have
// no expiry; a session lasts until logout.
type JWTTokens struct {
	auth *jwtauth.JWTAuth
	now  func() time.Time
}

func NewJWTTokens(key []byte) (*JWTTokens, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("jwt token mode needs a signing key: %w", common.ErrMisconfigured)
	}
	return &JWTTokens{auth: jwtauth.New("HS256", key, nil), now: time.Now}, nil
}

func (j *JWTTokens) Issue(ctx context.Context, user *model.User) (string, error) {
	if user == nil || user.Username == "" {
		return "", errors.New("cannot issue a token without a username")
	}
	claims := jwt.MapClaims{
		"sub":  user.Username,
		"role": user.Role.String(),
		"jti":  uuid.NewString(),
		"iat":  j.now().Unix(),
	}
	_, tokenString, err := j.auth.Encode(claims)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return tokenString, nil
}

func (j *JWTTokens) Verify(ctx context.Context, token string) (Identity, error) {
	tok, err := jwtauth.VerifyToken(j.auth, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", common.ErrIdentity, err)
	}
	m, err := tok.AsMap(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: read claims: %w", common.ErrIdentity, err)
	}
	claims := jwt.MapClaims(m)

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: sub claim is missing", common.ErrIdentity)
	}
	role, err := GetUserRoleFromClaims(claims)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", common.ErrIdentity, err)
	}
	return Identity{Subject: sub, Role: role}, nil
}

// GetUserRoleFromClaims extracts and validates the "role" claim.
func GetUserRoleFromClaims(claims jwt.MapClaims) (model.Role, error) {
	raw, ok := claims["role"].(string)
	if !ok {
		return "", errors.New("role claim is missing or not a string")
	}
	role := model.Role(raw)
	if !role.Valid() {
		return "", fmt.Errorf("role claim %q is not a known role", raw)
	}
	return role, nil
}
