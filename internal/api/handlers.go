package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dashboard-stream/internal/auth"
	"dashboard-stream/internal/dashboard"
	"dashboard-stream/internal/logging"
	"dashboard-stream/internal/stream"

	"github.com/gin-gonic/gin"
)

const sessionRefreshTimeout = 10 * time.Second

// handleHealth reports degraded when a feed gave up reconnecting
func (s *Server) handleHealth(c *gin.Context) {
	mkt, ntf := s.dash.Channels()

	status, code := "healthy", http.StatusOK
	if mkt.Status == stream.StatusDisabled || ntf.Status == stream.StatusDisabled {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":        status,
		"market":        mkt.Status,
		"notifications": ntf.Status,
		"ws_clients":    s.hub.GetClientCount(),
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleDashboard(c *gin.Context) {
	successResponse(c, s.dash.View())
}

func (s *Server) handleChannels(c *gin.Context) {
	mkt, ntf := s.dash.Channels()
	successResponse(c, gin.H{
		"market":        mkt,
		"notifications": ntf,
	})
}

// handleSessionStart signs a user in, or refreshes their token. A notification
// socket that had given up is revived.
func (s *Server) handleSessionStart(c *gin.Context) {
	session, ok := auth.SessionFromContext(c)
	if !ok {
		errorResponse(c, http.StatusUnauthorized, "authentication required")
		return
	}

	s.dash.SetSession(session)
	if !s.refresh(c) {
		return
	}
	successResponse(c, s.dash.View())
}

// handleSessionEnd signs the current user out and drops their browser sockets
func (s *Server) handleSessionEnd(c *gin.Context) {
	prev := s.dash.Session()

	s.dash.SetSession(auth.Session{})
	s.hub.DisconnectUser(prev.UserID)
	if !s.refresh(c) {
		return
	}
	successResponse(c, s.dash.View())
}

// refresh reloads the snapshot so user-scoped branches follow the session.
// It reports false after writing an error response.
func (s *Server) refresh(c *gin.Context) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), sessionRefreshTimeout)
	defer cancel()

	err := s.dash.Refresh(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, dashboard.ErrClosed):
		errorResponse(c, http.StatusServiceUnavailable, "dashboard is shutting down")
		return false
	default:
		// The view still holds the previous snapshot
		logging.FromContext(c.Request.Context()).Warn("session refresh failed", "error", err)
		return true
	}
}
