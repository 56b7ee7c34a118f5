package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// Context keys for session data
	ContextKeyUserID  = "user_id"
	ContextKeySession = "session"
)

// BearerToken extracts the token from an Authorization header
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Middleware requires a bearer token that decodes to a live session
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "missing authorization header",
			})
			return
		}

		tokenString, ok := BearerToken(authHeader)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "invalid authorization header format",
			})
			return
		}

		session, err := SessionFromToken(tokenString, time.Now())
		if err != nil {
			authErr := ErrInvalidToken
			if errors.Is(err, ErrTokenExpired) {
				authErr = ErrTokenExpired
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   authErr.Code,
				"message": authErr.Message,
			})
			return
		}

		c.Set(ContextKeyUserID, session.UserID)
		c.Set(ContextKeySession, session)
		c.Next()
	}
}

// SessionFromContext returns the session set by Middleware
func SessionFromContext(c *gin.Context) (Session, bool) {
	v, ok := c.Get(ContextKeySession)
	if !ok {
		return Session{}, false
	}
	s, ok := v.(Session)
	return s, ok
}
