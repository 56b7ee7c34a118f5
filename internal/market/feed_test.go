package market

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"dashboard-stream/internal/logging"
	"dashboard-stream/internal/quotes"
)

type captureSender struct {
	frames []string
}

func (s *captureSender) Send(data []byte) error {
	s.frames = append(s.frames, string(data))
	return nil
}

func (s *captureSender) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(data)
}

func newTestFeed(t *testing.T, codes ...string) (*Feed, *quotes.Reconciler) {
	t.Helper()
	rec := quotes.NewReconciler(quotes.NewCache(), time.Second)
	t.Cleanup(rec.Close)
	f, err := NewFeed("wss://example.invalid/ticker", codes, rec, logging.Nop())
	if err != nil {
		t.Fatalf("NewFeed: %v", err)
	}
	return f, rec
}

func TestNewFeedRejectsEmptyWatchList(t *testing.T) {
	rec := quotes.NewReconciler(quotes.NewCache(), time.Second)
	defer rec.Close()
	if _, err := NewFeed("wss://x", nil, rec, logging.Nop()); !errors.Is(err, ErrEmptyWatchList) {
		t.Fatalf("expected ErrEmptyWatchList, got %v", err)
	}
}

func TestHandshakeFrame(t *testing.T) {
	f, _ := newTestFeed(t, "KRW-BTC", "KRW-ETH")
	f.ticket = func() string { return "ticket-1" }

	s := &captureSender{}
	if err := f.OnOpen(s); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	if len(s.frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(s.frames))
	}

	want := `{"ticket":"ticket-1","subscribe":{"type":"ticker","codes":["KRW-BTC","KRW-ETH"],"realtimeOnly":true}}`
	if s.frames[0] != want {
		t.Errorf("handshake\n got  %s\n want %s", s.frames[0], want)
	}
}

func TestTicketIsFreshPerOpen(t *testing.T) {
	f, _ := newTestFeed(t, "KRW-BTC")
	s := &captureSender{}
	f.OnOpen(s)
	f.OnOpen(s)

	var a, b SubscribeRequest
	json.Unmarshal([]byte(s.frames[0]), &a)
	json.Unmarshal([]byte(s.frames[1]), &b)
	if a.Ticket == "" || a.Ticket == b.Ticket {
		t.Errorf("expected distinct tickets, got %q and %q", a.Ticket, b.Ticket)
	}
}

func TestOnMessageAppliesTick(t *testing.T) {
	f, rec := newTestFeed(t, "KRW-BTC")

	var got []*quotes.Direction
	f.SetQuoteCallback(func(_ quotes.Quote, dir *quotes.Direction) { got = append(got, dir) })

	frames := []string{
		`{"code":"KRW-BTC","tradePrice":100,"signedChangeRate":0.0123,"change":"RISE","accTradeVolume24h":5.5,"timestamp":1700000000000}`,
		`{"code":"KRW-BTC","tradePrice":99}`,
	}
	for _, fr := range frames {
		if err := f.OnMessage([]byte(fr)); err != nil {
			t.Fatalf("OnMessage(%s): %v", fr, err)
		}
	}

	q, ok := rec.Cache().Get("KRW-BTC")
	if !ok {
		t.Fatal("expected KRW-BTC in cache")
	}
	if q.TradePrice != 99 || q.Symbol != "BTC" || q.AccTradeVolume24h != 5.5 || q.Change != quotes.ChangeRise {
		t.Errorf("unexpected quote %+v", q)
	}
	if q.SignedChangeRatePct < 1.229 || q.SignedChangeRatePct > 1.231 {
		t.Errorf("expected change rate stored as percent, got %v", q.SignedChangeRatePct)
	}

	if len(got) != 2 || got[0] != nil || got[1] == nil || *got[1] != quotes.DirectionDown {
		t.Errorf("expected [nil DOWN] directions, got %v", got)
	}
}

func TestParseTick(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		ok      bool
		wantErr bool
	}{
		{"valid", `{"code":"KRW-BTC","tradePrice":1}`, true, false},
		{"heartbeat", `{"status":"UP"}`, false, false},
		{"not json", `{code`, false, true},
		{"missing code", `{"tradePrice":1}`, false, true},
		{"zero price", `{"code":"KRW-BTC","tradePrice":0}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := ParseTick([]byte(tt.frame))
			if ok != tt.ok {
				t.Errorf("ok = %v, want %v", ok, tt.ok)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedTick) {
				t.Errorf("expected ErrMalformedTick, got %v", err)
			}
		})
	}
}

func TestMalformedFrameLeavesCacheUntouched(t *testing.T) {
	f, rec := newTestFeed(t, "KRW-BTC")
	f.OnMessage([]byte(`{"code":"KRW-BTC","tradePrice":10}`))

	if err := f.OnMessage([]byte(`garbage`)); err == nil {
		t.Fatal("expected an error for a garbage frame")
	}
	if p, _ := rec.Cache().Price("KRW-BTC"); p != 10 {
		t.Errorf("expected price 10 to survive, got %v", p)
	}
}

func TestWatchedKeysIsACopy(t *testing.T) {
	f, _ := newTestFeed(t, "A", "B")
	keys := f.WatchedKeys()
	keys[0] = "Z"
	if f.WatchedKeys()[0] != "A" {
		t.Error("WatchedKeys must return a copy")
	}
}
