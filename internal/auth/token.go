// Package auth inspects session tokens handed to the engine by the session
// provider. The engine never verifies signatures (it does not hold the
// backend's signing key); it only reads claims to know who the session
// belongs to and when it lapses.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ParseToken decodes the token's claims without signature verification.
func ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// TokenExpiry returns the token's expiry, or a zero time when the token
// carries no exp claim.
func TokenExpiry(token string) (time.Time, error) {
	claims, err := ParseToken(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
