package stream

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// Status is the lifecycle state of one channel
type Status string

const (
	StatusIdle          Status = "IDLE"
	StatusConnecting    Status = "CONNECTING"
	StatusOpen          Status = "OPEN"
	StatusClosing       Status = "CLOSING"
	StatusReconnectWait Status = "RECONNECT_WAIT"
	StatusDisabled      Status = "DISABLED" // Retries exhausted
)

// State is a point-in-time copy of a channel's connection state
type State struct {
	Channel     string    `json:"channel"`
	Status      Status    `json:"status"`
	Attempt     int       `json:"attempt"`
	WatchedKeys []string  `json:"watchedKeys,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Since       time.Time `json:"since"`    // When Status last changed
	Received    uint64    `json:"received"` // Frames handed to the channel
	Dropped     uint64    `json:"dropped"`  // Frames the channel rejected
}

// Sender writes frames on the open socket. Only valid inside Channel.OnOpen.
type Sender interface {
	Send(data []byte) error
	SendJSON(v interface{}) error
}

// Channel supplies what differs between feeds. All methods except Endpoint
// run on the manager's loop goroutine and must not block.
type Channel interface {
	// Name identifies the channel in logs and State
	Name() string

	// Endpoint resolves the URL and headers for one connection attempt.
	// It runs off the loop and must honor ctx; an error consumes one
	// backoff attempt.
	Endpoint(ctx context.Context) (string, http.Header, error)

	// OnOpen sends the handshake once per successful open
	OnOpen(s Sender) error

	// OnMessage handles one inbound frame. An error drops the frame and
	// leaves the socket open.
	OnMessage(data []byte) error
}

// Watcher is implemented by channels that subscribe to a key list
type Watcher interface {
	WatchedKeys() []string
}
