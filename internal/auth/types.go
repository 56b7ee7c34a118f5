package auth

import (
	"time"
)

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

var (
	ErrNoToken      = AuthError{Code: "NO_TOKEN", Message: "no access token available"}
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
)

// Token is a short-lived credential for one notification connect attempt.
// It is never cached across attempts.
type Token struct {
	Value      string    `json:"value"`
	ObtainedAt time.Time `json:"obtainedAt"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"` // Zero when the lifetime is unknown
}

// Expired reports whether the token is unusable at now
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Session is the signed-in user as seen by the dashboard
type Session struct {
	UserID      string    `json:"userId"`
	AccessToken string    `json:"-"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// Active reports whether the session identifies a user
func (s Session) Active() bool {
	return s.UserID != ""
}

// SameUser reports whether both sessions belong to the same user
func (s Session) SameUser(other Session) bool {
	return s.UserID == other.UserID
}
