package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"dashboard-stream/config"
	"dashboard-stream/internal/auth"
	"dashboard-stream/internal/dashboard"
	"dashboard-stream/internal/events"
	"dashboard-stream/internal/logging"
	"dashboard-stream/internal/stream"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per key with a token bucket each.
// Buckets idle for longer than the sweep interval are dropped.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	every    rate.Limit
	burst    int
	idle     time.Duration
	swept    time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows limit requests per window for each key
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		idle:     window,
		swept:    time.Now(),
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.swept) > r.idle {
		r.sweepLocked(now)
	}

	entry, ok := r.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.every, r.burst)}
		r.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweepLocked drops buckets that have refilled and sat idle
func (r *RateLimiter) sweepLocked(now time.Time) {
	for key, entry := range r.limiters {
		if now.Sub(entry.lastSeen) > r.idle {
			delete(r.limiters, key)
		}
	}
	r.swept = now
}

func (r *RateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// Dashboard is the read model served by the API
type Dashboard interface {
	View() dashboard.View
	Channels() (mkt, ntf stream.State)
	Session() auth.Session
	SetSession(auth.Session)
	Refresh(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	dash        Dashboard
	hub         *WSHub
	config      config.ServerConfig
	logger      *logging.Logger
	rateLimiter *RateLimiter // Guards the session endpoints that rebuild sockets
	startedAt   time.Time
}

// NewServer creates a new API server and starts its WebSocket hub
func NewServer(cfg config.ServerConfig, dash Dashboard, bus *events.EventBus, logger *logging.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	logger = logging.OrDefault(logger).WithComponent("api")

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg)))

	server := &Server{
		router:      router,
		dash:        dash,
		hub:         InitWebSocket(bus, logger),
		config:      cfg,
		logger:      logger,
		rateLimiter: NewRateLimiter(30, time.Minute),
		startedAt:   time.Now(),
	}

	server.setupRoutes()
	return server
}

func corsConfig(cfg config.ServerConfig) cors.Config {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", traceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", traceHeader}

	origins := cfg.Origins()
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
		return corsConfig
	}
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	return corsConfig
}

// rateLimitMiddleware limits requests per route and client address
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !s.rateLimiter.Allow(path + "|" + c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "too many session changes, slow down",
				"path":    path,
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.GET("/dashboard", s.handleDashboard)
		api.GET("/channels", s.handleChannels)

		session := api.Group("/session", s.rateLimitMiddleware())
		session.POST("", auth.Middleware(), s.handleSessionStart)
		session.DELETE("", s.handleSessionEnd)
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server and disconnects WebSocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.hub.Stop()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
