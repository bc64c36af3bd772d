// Package auth implements the bearer-token contract of the external identity
// provider. The core never mints identity; it only verifies presented tokens and
// extracts the claims it needs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken indicates that no bearer token was presented.
	ErrNoToken = errors.New("no bearer token")
	// ErrInvalidToken indicates the token failed verification.
	ErrInvalidToken = errors.New("invalid bearer token")
	// ErrNotConfigured indicates no verifier is configured; all authenticated
	// requests must be rejected in that state.
	ErrNotConfigured = errors.New("token verifier not configured")
)

// Identity is the verified identity of a connecting client. UserID is always present;
// the remaining fields are optional metadata carried by the issuer.
type Identity struct {
	UserID      string
	FullName    string
	Age         int
	DateOfBirth string
	Roles       []string
	Permissions []string
	FamilyIDs   []string
	ParentID    string
}

// Verifier validates a bearer token and yields the identity it represents.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// identityClaims are the JWT claims recognized on app-minted tokens.
type identityClaims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"user_id,omitempty"`
	FullName    string   `json:"full_name,omitempty"`
	Age         int      `json:"age,omitempty"`
	DateOfBirth string   `json:"date_of_birth,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	FamilyIDs   []string `json:"family_ids,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for app-minted HMAC tokens.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, ErrNotConfigured
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// Verify parses and validates the token, enforcing the HMAC signing method. The user
// ID comes from the `user_id` claim, falling back to the registered subject.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	claims := &identityClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: token carries no user id", ErrInvalidToken)
	}

	return &Identity{
		UserID:      userID,
		FullName:    claims.FullName,
		Age:         claims.Age,
		DateOfBirth: claims.DateOfBirth,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		FamilyIDs:   claims.FamilyIDs,
		ParentID:    claims.ParentID,
	}, nil
}

// FromAuthorizationHeader extracts the token from an "Authorization: Bearer <t>"
// header value. Returns an empty string when the header does not carry a bearer token.
func FromAuthorizationHeader(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
