// Package market subscribes to the exchange ticker socket and feeds ticks
// into the quote reconciler.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"dashboard-stream/internal/logging"
	"dashboard-stream/internal/quotes"
	"dashboard-stream/internal/stream"
)

// ChannelName identifies the ticker feed in logs and channel state
const ChannelName = "market"

var (
	ErrEmptyWatchList = errors.New("empty watch list")
	ErrMalformedTick  = errors.New("malformed tick")
)

// SubscribeRequest is the handshake frame sent once per open
type SubscribeRequest struct {
	Ticket    string    `json:"ticket"`
	Subscribe Subscribe `json:"subscribe"`
}

type Subscribe struct {
	Type         string   `json:"type"`
	Codes        []string `json:"codes"`
	RealtimeOnly bool     `json:"realtimeOnly"`
}

// Tick is one inbound ticker frame. signedChangeRate is a fraction.
type Tick struct {
	Status            string   `json:"status,omitempty"` // Heartbeat frames carry only a status
	Code              string   `json:"code"`
	TradePrice        float64  `json:"tradePrice"`
	SignedChangeRate  *float64 `json:"signedChangeRate"`
	Change            string   `json:"change"`
	AccTradeVolume24h *float64 `json:"accTradeVolume24h"`
	Timestamp         int64    `json:"timestamp"` // Unix millis
}

// Fields converts the optional parts of the tick for the reconciler
func (t Tick) Fields() quotes.TickFields {
	f := quotes.TickFields{
		Change:            quotes.ParseChange(t.Change),
		AccTradeVolume24h: t.AccTradeVolume24h,
	}
	if t.SignedChangeRate != nil {
		pct := *t.SignedChangeRate * 100
		f.SignedChangeRatePct = &pct
	}
	if t.Timestamp > 0 {
		f.Timestamp = time.UnixMilli(t.Timestamp)
	}
	return f
}

// ParseTick decodes one frame. Heartbeats return ok=false with no error.
func ParseTick(data []byte) (Tick, bool, error) {
	var t Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return Tick{}, false, fmt.Errorf("%w: %v", ErrMalformedTick, err)
	}
	if t.Code == "" {
		if t.Status != "" {
			return Tick{}, false, nil
		}
		return Tick{}, false, fmt.Errorf("%w: missing code", ErrMalformedTick)
	}
	if t.TradePrice <= 0 {
		return Tick{}, false, fmt.Errorf("%w: %s price %v", ErrMalformedTick, t.Code, t.TradePrice)
	}
	return t, true, nil
}

var (
	_ stream.Channel = (*Feed)(nil)
	_ stream.Watcher = (*Feed)(nil)
)

// Feed is the ticker channel for a fixed, ordered list of market codes.
// A watch list change means a new Feed.
type Feed struct {
	url    string
	codes  []string
	rec    *quotes.Reconciler
	logger *logging.Logger

	onQuote func(quotes.Quote, *quotes.Direction)
	ticket  func() string
}

// NewFeed creates a ticker channel. An empty code list is rejected: with
// nothing to watch there must be no socket.
func NewFeed(url string, codes []string, rec *quotes.Reconciler, logger *logging.Logger) (*Feed, error) {
	if len(codes) == 0 {
		return nil, ErrEmptyWatchList
	}
	return &Feed{
		url:    url,
		codes:  append([]string(nil), codes...),
		rec:    rec,
		logger: logging.OrDefault(logger).WithComponent("market"),
		ticket: func() string { return uuid.New().String() },
	}, nil
}

// SetQuoteCallback registers the callback invoked after every applied tick.
// Must be called before the feed is started.
func (f *Feed) SetQuoteCallback(cb func(quotes.Quote, *quotes.Direction)) {
	f.onQuote = cb
}

func (f *Feed) Name() string {
	return ChannelName
}

// WatchedKeys returns the subscribed codes in subscription order
func (f *Feed) WatchedKeys() []string {
	return append([]string(nil), f.codes...)
}

func (f *Feed) Endpoint(context.Context) (string, http.Header, error) {
	return f.url, nil, nil
}

// OnOpen sends the subscribe frame with a fresh ticket
func (f *Feed) OnOpen(s stream.Sender) error {
	req := SubscribeRequest{
		Ticket: f.ticket(),
		Subscribe: Subscribe{
			Type:         "ticker",
			Codes:        f.codes,
			RealtimeOnly: true,
		},
	}
	if err := s.SendJSON(req); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	f.logger.Info("subscribed", "codes", len(f.codes))
	return nil
}

// OnMessage applies one tick to the reconciler
func (f *Feed) OnMessage(data []byte) error {
	t, ok, err := ParseTick(data)
	if err != nil || !ok {
		return err
	}

	q, dir := f.rec.ApplyTick(t.Code, t.TradePrice, t.Fields())
	if f.onQuote != nil {
		f.onQuote(q, dir)
	}
	return nil
}
