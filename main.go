package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dashboard-stream/config"
	"dashboard-stream/internal/api"
	"dashboard-stream/internal/auth"
	"dashboard-stream/internal/dashboard"
	"dashboard-stream/internal/events"
	"dashboard-stream/internal/logging"
	"dashboard-stream/internal/snapshot"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	eventBus := events.NewEventBus()

	// Redis keeps the last good snapshot for when the backend is down
	var store snapshot.Store
	if cfg.RedisConfig.Enabled {
		redisStore, err := snapshot.NewRedisStore(cfg.RedisConfig, config.Seconds(cfg.SnapshotConfig.CacheTTL), logger)
		if err != nil {
			logger.Warn("snapshot cache unavailable, continuing without fallback", "error", err)
		} else {
			store = redisStore
			defer redisStore.Close()
		}
	}

	client := snapshot.NewClient(cfg.SnapshotConfig.BaseURL, snapshot.Options{
		Timeout:           config.Seconds(cfg.SnapshotConfig.Timeout),
		RequestsPerSecond: cfg.SnapshotConfig.RequestsPerSecond,
		Store:             store,
		Logger:            logger,
	})

	opts := dashboard.OptionsFromConfig(cfg)
	opts.Logger = logger
	dash := dashboard.New(opts, client, eventBus)

	// A headless deployment can seed the session from configuration
	if token := cfg.SessionConfig.AccessToken; token != "" {
		session, err := auth.SessionFromToken(token, time.Now())
		if err != nil {
			logger.Warn("ignoring configured access token", "error", err)
		} else {
			dash.SetSession(session)
			logger.Info("session seeded from configuration", "user_id", session.UserID)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dash.Start(ctx); err != nil {
		log.Fatalf("Failed to start dashboard: %v", err)
	}

	server := api.NewServer(cfg.ServerConfig, dash, eventBus, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("web server stopped", "error", err)
			stop()
		}
	}()

	logger.Info("dashboard stream running",
		"market_url", cfg.MarketFeedConfig.URL,
		"max_watched", cfg.MarketFeedConfig.MaxWatched,
		"notifications", cfg.NotificationFeedConfig.Enabled)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.ServerConfig.ShutdownTimeout))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error shutting down web server", "error", err)
	}
	dash.Close()

	logger.Info("shutdown complete")
}
