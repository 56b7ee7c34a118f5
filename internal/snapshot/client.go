package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dashboard-stream/internal/auth"
	"dashboard-stream/internal/logging"
	"dashboard-stream/internal/quotes"
)

// REST paths relative to the base URL
const (
	PathQuotes = "/api/market/quotes"
	PathPosts  = "/api/community/posts"
	PathBots   = "/api/bots"
	PathPoints = "/api/points"
	PathToken  = "/api/notifications/token"
)

const maxBodyBytes = 4 << 20

var ErrNoSession = errors.New("no active session")

// Options configures a Client
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64 // <=0 disables throttling
	Store             Store   // Optional fallback cache
	Logger            *logging.Logger
}

// Client fetches snapshot data. User-scoped endpoints require a session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	store      Store
	logger     *logging.Logger

	mu      sync.RWMutex
	session auth.Session
}

func NewClient(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    limiter,
		store:      opts.Store,
		logger:     logging.OrDefault(opts.Logger).WithComponent("snapshot"),
	}
}

// SetSession switches the bearer token used for user-scoped requests
func (c *Client) SetSession(s auth.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *Client) currentSession() auth.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// FetchQuotes returns the market list in display order
func (c *Client) FetchQuotes(ctx context.Context) ([]quotes.Quote, error) {
	var out []quotes.Quote
	if err := c.getJSON(ctx, PathQuotes, "quotes", false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FetchPosts(ctx context.Context) ([]Post, error) {
	var out []Post
	if err := c.getJSON(ctx, PathPosts, "posts", false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FetchBots(ctx context.Context) ([]Bot, error) {
	var out []Bot
	if err := c.getJSON(ctx, PathBots, "bots", true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FetchPoints(ctx context.Context) (Points, error) {
	var out Points
	if err := c.getJSON(ctx, PathPoints, "points", true, &out); err != nil {
		return Points{}, err
	}
	return out, nil
}

// FetchToken requests a notification socket token. Tokens are never cached.
func (c *Client) FetchToken(ctx context.Context) (TokenResponse, error) {
	s := c.currentSession()
	if !s.Active() {
		return TokenResponse{}, ErrNoSession
	}
	body, err := c.do(ctx, PathToken, s)
	if err != nil {
		return TokenResponse{}, err
	}
	var out TokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return TokenResponse{}, fmt.Errorf("error parsing token: %w", err)
	}
	if out.Token == "" {
		return TokenResponse{}, auth.ErrNoToken
	}
	return out, nil
}

// getJSON fetches path into out. On failure the last good body for name is
// served from the store when one is configured.
func (c *Client) getJSON(ctx context.Context, path, name string, userScoped bool, out interface{}) error {
	s := c.currentSession()
	if userScoped {
		if !s.Active() {
			return ErrNoSession
		}
		name = name + ":" + s.UserID
	}

	body, err := c.do(ctx, path, s)
	if err == nil {
		if err = json.Unmarshal(body, out); err == nil {
			c.remember(ctx, name, body)
			return nil
		}
		err = fmt.Errorf("error parsing %s: %w", name, err)
	}

	cached, cacheErr := c.recall(ctx, name)
	if cacheErr != nil {
		return err
	}
	if jsonErr := json.Unmarshal(cached, out); jsonErr != nil {
		return err
	}
	c.logger.Warn("serving cached snapshot", "endpoint", name, "error", err)
	return nil
}

func (c *Client) do(ctx context.Context, path string, s auth.Session) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("error building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, auth.ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d on %s: %s", resp.StatusCode, path, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *Client) remember(ctx context.Context, name string, body []byte) {
	if c.store == nil {
		return
	}
	if err := c.store.Set(ctx, name, body); err != nil {
		c.logger.Debug("snapshot cache write skipped", "endpoint", name, "error", err)
	}
}

func (c *Client) recall(ctx context.Context, name string) ([]byte, error) {
	if c.store == nil {
		return nil, ErrCacheMiss
	}
	return c.store.Get(ctx, name)
}
