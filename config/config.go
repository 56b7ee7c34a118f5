package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MarketFeedConfig       MarketFeedConfig       `json:"market_feed"`
	NotificationFeedConfig NotificationFeedConfig `json:"notification_feed"`
	BackoffConfig          BackoffConfig          `json:"backoff"`
	SnapshotConfig         SnapshotConfig         `json:"snapshot"`
	RedisConfig            RedisConfig            `json:"redis"`
	ServerConfig           ServerConfig           `json:"server"`
	LoggingConfig          LoggingConfig          `json:"logging"`
	SessionConfig          SessionConfig          `json:"session"`
}

// MarketFeedConfig holds the public ticker socket settings
type MarketFeedConfig struct {
	URL              string `json:"url"`
	MaxWatched       int    `json:"max_watched"`       // Symbols subscribed on the ticker socket
	FlashMillis      int    `json:"flash_ms"`          // Lifetime of a price flash
	HandshakeTimeout int    `json:"handshake_timeout"` // Seconds
	PingInterval     int    `json:"ping_interval"`     // Seconds, 0 disables keepalive pings
}

// NotificationFeedConfig holds the per-user notification socket settings
type NotificationFeedConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"` // Base URL, the user id is appended as a path segment
}

// BackoffConfig holds reconnect timing for both feeds
type BackoffConfig struct {
	MarketRetryMillis       int `json:"market_retry_ms"`
	MarketDialFailureMillis int `json:"market_dial_failure_ms"`
	NotificationBaseMillis  int `json:"notification_base_ms"`
	NotificationMaxMillis   int `json:"notification_max_ms"`
	NotificationMaxAttempts int `json:"notification_max_attempts"`
}

// SnapshotConfig holds the REST snapshot client settings
type SnapshotConfig struct {
	BaseURL           string  `json:"base_url"`
	RefreshInterval   int     `json:"refresh_interval"`    // Seconds between full refreshes
	Timeout           int     `json:"timeout"`             // Seconds per request
	RequestsPerSecond float64 `json:"requests_per_second"` // Client side throttle
	CacheTTL          int     `json:"cache_ttl"`           // Seconds a fallback copy stays in Redis
}

// RedisConfig holds Redis configuration for the snapshot fallback cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // Comma separated
	ProductionMode  bool   `json:"production_mode"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// SessionConfig seeds the session for headless deployments. Interactive
// sessions are pushed through the API instead.
type SessionConfig struct {
	AccessToken string `json:"access_token"`
}

// Default returns the configuration used when no file or environment is present
func Default() *Config {
	return &Config{
		MarketFeedConfig: MarketFeedConfig{
			URL:              "wss://api.upbit.com/websocket/v1",
			MaxWatched:       8,
			FlashMillis:      1200,
			HandshakeTimeout: 10,
			PingInterval:     30,
		},
		NotificationFeedConfig: NotificationFeedConfig{
			Enabled: true,
			URL:     "ws://localhost:8080/ws/notifications",
		},
		BackoffConfig: BackoffConfig{
			MarketRetryMillis:       3000,
			MarketDialFailureMillis: 5000,
			NotificationBaseMillis:  1000,
			NotificationMaxMillis:   30000,
			NotificationMaxAttempts: 10,
		},
		SnapshotConfig: SnapshotConfig{
			BaseURL:           "http://localhost:8080",
			RefreshInterval:   30,
			Timeout:           10,
			RequestsPerSecond: 5,
			CacheTTL:          600,
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		ServerConfig: ServerConfig{
			Port:            8090,
			Host:            "0.0.0.0",
			AllowedOrigins:  "http://localhost:5173",
			ShutdownTimeout: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
	}
}

func Load() (*Config, error) {
	// Missing .env is fine, the process environment still applies
	_ = godotenv.Load()

	cfg := Default()
	if err := loadFromFile(getEnvOrDefault("DASHBOARD_CONFIG", "config.json"), cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Market feed
	cfg.MarketFeedConfig.URL = getEnvOrDefault("MARKET_WS_URL", cfg.MarketFeedConfig.URL)
	cfg.MarketFeedConfig.MaxWatched = getEnvIntOrDefault("MARKET_MAX_WATCHED", cfg.MarketFeedConfig.MaxWatched)
	cfg.MarketFeedConfig.FlashMillis = getEnvIntOrDefault("MARKET_FLASH_MS", cfg.MarketFeedConfig.FlashMillis)
	cfg.MarketFeedConfig.HandshakeTimeout = getEnvIntOrDefault("MARKET_HANDSHAKE_TIMEOUT", cfg.MarketFeedConfig.HandshakeTimeout)
	cfg.MarketFeedConfig.PingInterval = getEnvIntOrDefault("MARKET_PING_INTERVAL", cfg.MarketFeedConfig.PingInterval)

	// Notification feed
	cfg.NotificationFeedConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationFeedConfig.Enabled)
	cfg.NotificationFeedConfig.URL = getEnvOrDefault("NOTIFICATION_WS_URL", cfg.NotificationFeedConfig.URL)

	// Backoff
	cfg.BackoffConfig.MarketRetryMillis = getEnvIntOrDefault("MARKET_RETRY_MS", cfg.BackoffConfig.MarketRetryMillis)
	cfg.BackoffConfig.MarketDialFailureMillis = getEnvIntOrDefault("MARKET_DIAL_FAILURE_MS", cfg.BackoffConfig.MarketDialFailureMillis)
	cfg.BackoffConfig.NotificationBaseMillis = getEnvIntOrDefault("NOTIFICATION_BACKOFF_BASE_MS", cfg.BackoffConfig.NotificationBaseMillis)
	cfg.BackoffConfig.NotificationMaxMillis = getEnvIntOrDefault("NOTIFICATION_BACKOFF_MAX_MS", cfg.BackoffConfig.NotificationMaxMillis)
	cfg.BackoffConfig.NotificationMaxAttempts = getEnvIntOrDefault("NOTIFICATION_MAX_ATTEMPTS", cfg.BackoffConfig.NotificationMaxAttempts)

	// Snapshot client
	cfg.SnapshotConfig.BaseURL = getEnvOrDefault("API_BASE_URL", cfg.SnapshotConfig.BaseURL)
	cfg.SnapshotConfig.RefreshInterval = getEnvIntOrDefault("SNAPSHOT_REFRESH_INTERVAL", cfg.SnapshotConfig.RefreshInterval)
	cfg.SnapshotConfig.Timeout = getEnvIntOrDefault("SNAPSHOT_TIMEOUT", cfg.SnapshotConfig.Timeout)
	cfg.SnapshotConfig.RequestsPerSecond = getEnvFloatOrDefault("SNAPSHOT_RPS", cfg.SnapshotConfig.RequestsPerSecond)
	cfg.SnapshotConfig.CacheTTL = getEnvIntOrDefault("SNAPSHOT_CACHE_TTL", cfg.SnapshotConfig.CacheTTL)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("SERVER_PRODUCTION", cfg.ServerConfig.ProductionMode)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Session
	cfg.SessionConfig.AccessToken = getEnvOrDefault("SESSION_ACCESS_TOKEN", cfg.SessionConfig.AccessToken)
}

// Validate rejects values the feeds cannot run with
func (c *Config) Validate() error {
	if c.MarketFeedConfig.URL == "" {
		return fmt.Errorf("market_feed.url is required")
	}
	if c.MarketFeedConfig.MaxWatched <= 0 {
		return fmt.Errorf("market_feed.max_watched must be positive, got %d", c.MarketFeedConfig.MaxWatched)
	}
	if c.MarketFeedConfig.FlashMillis <= 0 {
		return fmt.Errorf("market_feed.flash_ms must be positive, got %d", c.MarketFeedConfig.FlashMillis)
	}
	if c.NotificationFeedConfig.Enabled && c.NotificationFeedConfig.URL == "" {
		return fmt.Errorf("notification_feed.url is required when notifications are enabled")
	}
	if c.BackoffConfig.MarketRetryMillis <= 0 || c.BackoffConfig.NotificationBaseMillis <= 0 {
		return fmt.Errorf("backoff delays must be positive")
	}
	if c.BackoffConfig.NotificationMaxMillis < c.BackoffConfig.NotificationBaseMillis {
		return fmt.Errorf("backoff.notification_max_ms (%d) is below notification_base_ms (%d)",
			c.BackoffConfig.NotificationMaxMillis, c.BackoffConfig.NotificationBaseMillis)
	}
	if c.BackoffConfig.NotificationMaxAttempts < 0 {
		return fmt.Errorf("backoff.notification_max_attempts cannot be negative")
	}
	if c.SnapshotConfig.BaseURL == "" {
		return fmt.Errorf("snapshot.base_url is required")
	}
	if c.SnapshotConfig.RefreshInterval <= 0 {
		return fmt.Errorf("snapshot.refresh_interval must be positive, got %d", c.SnapshotConfig.RefreshInterval)
	}
	return nil
}

// Origins splits the comma separated CORS origin list
func (s ServerConfig) Origins() []string {
	var origins []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func loadFromFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
