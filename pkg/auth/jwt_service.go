// Package auth validates the bearer tokens presented by presence clients.
//
// Token issuing lives in an external authentication server; this package
// only verifies signatures and extracts the user identity. Tokens are
// HS256-signed JWTs carrying the user id in either the "userId" claim or
// the standard "sub" claim.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors for token operations.
var (
	ErrNoToken             = errors.New("no token provided")
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrMissingUserID       = errors.New("token carries no user id")
	ErrInvalidSecretLength = errors.New("JWT secret must be at least 32 characters")
)

// Claims are the token claims presenced understands.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is the presence identity. When absent, the registered Subject
	// claim is used instead.
	UserID string `json:"userId,omitempty"`
}

// ResolveUserID returns the user id the claims identify.
func (c *Claims) ResolveUserID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Service validates presence tokens.
type Service struct {
	secret []byte
}

// NewService creates a token validation service. The secret length floor
// guards against trivially brute-forceable HMAC keys.
func NewService(secret string) (*Service, error) {
	if len(secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	return &Service{secret: []byte(secret)}, nil
}

// Validate verifies the token signature and expiry and returns the claims.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ResolveUserID() == "" {
		return nil, ErrMissingUserID
	}

	return claims, nil
}

// Sign creates a token for the given user. Production tokens come from the
// external auth server; this exists for tests and local tooling.
func (s *Service) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
