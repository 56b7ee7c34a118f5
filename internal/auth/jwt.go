package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the fields the dashboard reads from an access token.
// Signatures are checked by the backend that issued the token; the client
// only inspects them.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns user_id, falling back to the registered sub claim
func (c *Claims) Principal() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// ParseClaims decodes a JWT without verifying its signature
func ParseClaims(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// NewToken stamps a freshly fetched token. A positive ttl wins; otherwise
// the JWT exp claim is used when the value is a JWT.
func NewToken(value string, ttl time.Duration, now time.Time) Token {
	t := Token{Value: value, ObtainedAt: now}
	if ttl > 0 {
		t.ExpiresAt = now.Add(ttl)
		return t
	}
	if claims, err := ParseClaims(value); err == nil && claims.ExpiresAt != nil {
		t.ExpiresAt = claims.ExpiresAt.Time
	}
	return t
}

// ValidateToken rejects empty and already-expired tokens
func ValidateToken(t Token, now time.Time) error {
	if t.Value == "" {
		return ErrNoToken
	}
	if t.Expired(now) {
		return ErrTokenExpired
	}
	return nil
}

// SessionFromToken builds a session from an access token
func SessionFromToken(tokenString string, now time.Time) (Session, error) {
	claims, err := ParseClaims(tokenString)
	if err != nil {
		return Session{}, err
	}
	if claims.Principal() == "" {
		return Session{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	s := Session{UserID: claims.Principal(), AccessToken: tokenString}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(s.ExpiresAt) {
			return Session{}, ErrTokenExpired
		}
	}
	return s, nil
}
