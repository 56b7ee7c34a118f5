// Package notification adapts the per-user notification socket to the
// stream manager: fresh token per connect attempt, one callback per event.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dashboard-stream/internal/auth"
	"dashboard-stream/internal/logging"
	"dashboard-stream/internal/stream"
)

// ChannelName identifies the notification feed in logs and channel state
const ChannelName = "notification"

var (
	ErrNoUser         = errors.New("notification channel requires a user id")
	ErrNoTokenFunc    = errors.New("notification channel requires a token provider")
	ErrMalformedEvent = errors.New("malformed notification event")
)

// Kind is the notification category, e.g. LIKE, COMMENT, FOLLOW
type Kind string

// ID accepts both JSON strings and numbers
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Event is one notification pushed to the signed-in user
type Event struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	ActorName  string `json:"actorName,omitempty"`
	TargetType string `json:"targetType,omitempty"`
	TargetID   ID     `json:"targetId,omitempty"`
}

// ParseEvent decodes one frame
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Kind == "" && ev.Message == "" {
		return Event{}, fmt.Errorf("%w: no kind or message", ErrMalformedEvent)
	}
	return ev, nil
}

// TokenFunc fetches a short-lived token. It is called once per connect
// attempt and must honor ctx.
type TokenFunc func(ctx context.Context) (auth.Token, error)

// Adapter is the notification channel for one user
type Adapter struct {
	baseURL string
	userID  string
	tokens  TokenFunc
	deliver func(Event)
	now     func() time.Time
	logger  *logging.Logger
}

var _ stream.Channel = (*Adapter)(nil)

// NewAdapter creates the channel. deliver receives every parsed event in
// arrival order, on the stream manager's goroutine.
func NewAdapter(baseURL, userID string, tokens TokenFunc, deliver func(Event), logger *logging.Logger) (*Adapter, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if tokens == nil {
		return nil, ErrNoTokenFunc
	}
	if deliver == nil {
		deliver = func(Event) {}
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		tokens:  tokens,
		deliver: deliver,
		now:     time.Now,
		logger:  logging.OrDefault(logger).WithComponent("notification").WithField("user_id", userID),
	}, nil
}

func (a *Adapter) Name() string {
	return ChannelName
}

// UserID returns the user this channel belongs to
func (a *Adapter) UserID() string {
	return a.userID
}

// Endpoint fetches a fresh token and builds {base}/{userID}?token=...
func (a *Adapter) Endpoint(ctx context.Context) (string, http.Header, error) {
	tok, err := a.tokens(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("fetch token: %w", err)
	}
	if err := auth.ValidateToken(tok, a.now()); err != nil {
		return "", nil, err
	}

	endpoint := a.baseURL + "/" + url.PathEscape(a.userID) + "?token=" + url.QueryEscape(tok.Value)
	return endpoint, nil, nil
}

// OnOpen has no handshake; the token in the URL authenticates the socket
func (a *Adapter) OnOpen(stream.Sender) error {
	a.logger.Info("notification stream connected")
	return nil
}

// OnMessage parses and delivers one event
func (a *Adapter) OnMessage(data []byte) error {
	ev, err := ParseEvent(data)
	if err != nil {
		return err
	}
	a.deliver(ev)
	return nil
}
