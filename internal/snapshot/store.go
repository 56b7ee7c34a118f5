package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dashboard-stream/config"
	"dashboard-stream/internal/logging"
)

var (
	ErrCacheMiss        = errors.New("cache miss")
	ErrCacheUnavailable = errors.New("redis unavailable (circuit breaker open)")
)

// KeyFormat namespaces the last good response per endpoint
const KeyFormat = "dashboard:snapshot:%s"

// DefaultTTL bounds how stale a fallback copy may be
const DefaultTTL = 10 * time.Minute

// Store keeps the last good response body per endpoint
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, body []byte) error
}

// RedisStore is a Store with graceful degradation: after maxFailures
// consecutive errors it reports unavailable and retries Redis every
// checkInterval.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewRedisStore connects to Redis. A failed initial ping returns the store in
// degraded mode rather than an error.
func NewRedisStore(cfg config.RedisConfig, ttl time.Duration, logger *logging.Logger) (*RedisStore, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return NewRedisStoreFromClient(client, ttl, logger), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &RedisStore{
		client:        client,
		ttl:           ttl,
		logger:        logging.OrDefault(logger).WithComponent("snapshot-cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("initial Redis connection failed, running degraded", "error", err)
		return s
	}
	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info("Redis connected", "address", client.Options().Addr)
	return s
}

// IsHealthy returns whether Redis is currently available
func (s *RedisStore) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *RedisStore) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.logger.Warn("circuit breaker open, Redis marked unhealthy", "failures", s.failureCount)
		}
		s.healthy = false
	}
}

func (s *RedisStore) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info("circuit breaker closed, Redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth pings Redis inline when it has been unhealthy for checkInterval
func (s *RedisStore) checkHealth(ctx context.Context) {
	s.mu.Lock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	if shouldCheck {
		s.lastCheck = time.Now()
	}
	s.mu.Unlock()

	if !shouldCheck {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err == nil {
		s.recordSuccess()
	}
}

func (s *RedisStore) Get(ctx context.Context, name string) ([]byte, error) {
	s.checkHealth(ctx)
	if !s.IsHealthy() {
		return nil, ErrCacheUnavailable
	}

	body, err := s.client.Get(ctx, fmt.Sprintf(KeyFormat, name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		s.recordFailure()
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	s.recordSuccess()
	return body, nil
}

func (s *RedisStore) Set(ctx context.Context, name string, body []byte) error {
	s.checkHealth(ctx)
	if !s.IsHealthy() {
		return ErrCacheUnavailable
	}

	if err := s.client.Set(ctx, fmt.Sprintf(KeyFormat, name), body, s.ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
