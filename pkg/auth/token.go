package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

const defaultIssuer = "toolkernel"

// Claims are the JWT claims of an identity token.
type Claims struct {
	jwt.RegisteredClaims
	Role contracts.Role `json:"role"`
}

// TokenManager issues and validates HS256 identity tokens.
type TokenManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenManager creates a manager for the shared secret.
func NewTokenManager(secret []byte) (*TokenManager, error) {
	if len(secret) < 16 {
		return nil, errors.New("identity secret must be at least 16 bytes")
	}
	return &TokenManager{secret: secret, issuer: defaultIssuer, now: time.Now}, nil
}

// Issue signs a token for id valid for ttl.
func (m *TokenManager) Issue(id contracts.UserIdentity, ttl time.Duration) (string, error) {
	if id.UserID == "" {
		return "", errors.New("identity has no user id")
	}
	if !id.Role.Valid() {
		return "", fmt.Errorf("identity has unknown role %q", id.Role)
	}
	now := m.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: id.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate parses a token and returns the identity it carries.
func (m *TokenManager) Validate(tokenStr string) (contracts.UserIdentity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return contracts.UserIdentity{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return contracts.UserIdentity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return contracts.UserIdentity{}, errors.New("token subject is required")
	}
	role, err := contracts.ParseRole(string(claims.Role))
	if err != nil {
		return contracts.UserIdentity{}, fmt.Errorf("token role: %w", err)
	}
	return contracts.UserIdentity{UserID: claims.Subject, Role: role}, nil
}
