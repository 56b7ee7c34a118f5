package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"dashboard-stream/internal/auth"
	"dashboard-stream/internal/events"
	"dashboard-stream/internal/logging"
	"dashboard-stream/internal/notification"
	"dashboard-stream/internal/quotes"
	"dashboard-stream/internal/retry"
	"dashboard-stream/internal/snapshot"
	"dashboard-stream/internal/stream"
)

type fakeFetcher struct {
	mu        sync.Mutex
	quotes    []quotes.Quote
	quotesErr error
	postsErr  error
	tokens    int
	session   auth.Session
}

func (f *fakeFetcher) setQuotes(qs []quotes.Quote, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes, f.quotesErr = qs, err
}

func (f *fakeFetcher) FetchQuotes(context.Context) ([]quotes.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotesErr != nil {
		return nil, f.quotesErr
	}
	return append([]quotes.Quote(nil), f.quotes...), nil
}

func (f *fakeFetcher) FetchPosts(context.Context) ([]snapshot.Post, error) {
	if f.postsErr != nil {
		return nil, f.postsErr
	}
	return []snapshot.Post{{ID: "p1", Title: "hello"}}, nil
}

func (f *fakeFetcher) FetchBots(context.Context) ([]snapshot.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.session.Active() {
		return nil, snapshot.ErrNoSession
	}
	return []snapshot.Bot{{ID: "b1", Status: "RUNNING"}}, nil
}

func (f *fakeFetcher) FetchPoints(context.Context) (snapshot.Points, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.session.Active() {
		return snapshot.Points{}, snapshot.ErrNoSession
	}
	return snapshot.Points{Balance: 500}, nil
}

func (f *fakeFetcher) FetchToken(context.Context) (snapshot.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens++
	return snapshot.TokenResponse{Token: fmt.Sprintf("tok-%d", f.tokens), TTLSeconds: 60}, nil
}

func (f *fakeFetcher) SetSession(s auth.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

// pipeConn is a socket the test can push frames into
type pipeConn struct {
	url     string
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []string
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.inbound:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *pipeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *pipeConn) handshake() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return ""
	}
	return c.written[0]
}

type pipeDialer struct {
	mu      sync.Mutex
	conns   []*pipeConn
	refused string // URL prefix whose dials are refused
}

func (d *pipeDialer) Dial(_ context.Context, rawURL string, _ http.Header) (stream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refused != "" && strings.HasPrefix(rawURL, d.refused) {
		return nil, errors.New("connection refused")
	}
	c := &pipeConn{url: rawURL, inbound: make(chan []byte, 16), closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

// byPrefix returns sockets dialed to URLs starting with prefix
func (d *pipeDialer) byPrefix(prefix string) []*pipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*pipeConn
	for _, c := range d.conns {
		if strings.HasPrefix(c.url, prefix) {
			out = append(out, c)
		}
	}
	return out
}

const (
	marketURL = "ws://ticker.test/v1"
	notifyURL = "ws://notify.test/ws"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (d *pipeDialer) refuse(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refused = prefix
}

func newTestDashboard(t *testing.T, f *fakeFetcher) (*Dashboard, *pipeDialer) {
	t.Helper()
	return newTestDashboardEvery(t, f, time.Hour)
}

func newTestDashboardEvery(t *testing.T, f *fakeFetcher, interval time.Duration) (*Dashboard, *pipeDialer) {
	t.Helper()
	d := &pipeDialer{}
	dash := New(Options{
		MarketURL:          marketURL,
		NotificationURL:    notifyURL,
		MaxWatched:         2,
		FlashDuration:      time.Second,
		RefreshInterval:    interval,
		MarketPolicy:       retry.Fixed{Delay: 5 * time.Millisecond},
		NotificationPolicy: retry.Exponential{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2},
		Dialer:             d,
		PingInterval:       -1,
		Logger:             logging.Nop(),
	}, f, events.NewEventBus())
	t.Cleanup(dash.Close)
	return dash, d
}

// countEvents counts bus events of one type
func countEvents(dash *Dashboard, typ events.EventType) func() int {
	var mu sync.Mutex
	n := 0
	dash.Bus().Subscribe(typ, func(events.Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}

func marketsOf(names ...string) []quotes.Quote {
	out := make([]quotes.Quote, len(names))
	for i, n := range names {
		out[i] = quotes.Quote{Market: n, TradePrice: float64(100 + i)}
	}
	return out
}

func TestRefreshSeedsAndSubscribesTopMarkets(t *testing.T) {
	f := &fakeFetcher{quotes: marketsOf("KRW-BTC", "KRW-ETH", "KRW-XRP")}
	dash, d := newTestDashboard(t, f)

	if err := dash.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	waitFor(t, "ticker OPEN", func() bool {
		m, _ := dash.Channels()
		return m.Status == stream.StatusOpen
	})

	conns := d.byPrefix(marketURL)
	if len(conns) != 1 {
		t.Fatalf("expected one ticker socket, got %d", len(conns))
	}
	waitFor(t, "handshake", func() bool { return conns[0].handshake() != "" })
	if !strings.Contains(conns[0].handshake(), `"codes":["KRW-BTC","KRW-ETH"]`) {
		t.Errorf("expected top 2 codes in handshake, got %s", conns[0].handshake())
	}

	v := dash.View()
	if len(v.Quotes) != 3 || v.Quotes[0].Market != "KRW-BTC" {
		t.Errorf("expected seeded quotes in snapshot order, got %+v", v.Quotes)
	}
	if len(v.Posts) != 1 || len(v.Bots) != 0 || len(v.Failed) != 0 {
		t.Errorf("unexpected view %+v", v)
	}
	if v.Market.WatchedKeys[0] != "KRW-BTC" || len(v.Market.WatchedKeys) != 2 {
		t.Errorf("unexpected watched keys %v", v.Market.WatchedKeys)
	}
}

func TestRefreshKeepsSocketWhenTopMarketsUnchanged(t *testing.T) {
	f := &fakeFetcher{quotes: marketsOf("A", "B", "C")}
	dash, d := newTestDashboard(t, f)

	dash.Refresh(context.Background())
	waitFor(t, "OPEN", func() bool { m, _ := dash.Channels(); return m.Status == stream.StatusOpen })

	// Only the tail beyond the watch limit changed
	f.setQuotes(marketsOf("A", "B", "D"), nil)
	dash.Refresh(context.Background())

	if n := len(d.byPrefix(marketURL)); n != 1 {
		t.Errorf("expected the socket to be reused, got %d dials", n)
	}

	// Reordering the top markets forces a rebuild
	f.setQuotes(marketsOf("B", "A"), nil)
	dash.Refresh(context.Background())
	waitFor(t, "second socket", func() bool { return len(d.byPrefix(marketURL)) == 2 })

	conns := d.byPrefix(marketURL)
	if !conns[0].isClosed() {
		t.Error("old ticker socket must be closed on rebuild")
	}
	waitFor(t, "OPEN again", func() bool { m, _ := dash.Channels(); return m.Status == stream.StatusOpen })
}

func TestEmptyWatchListMeansNoSocket(t *testing.T) {
	f := &fakeFetcher{quotes: marketsOf("A")}
	dash, d := newTestDashboard(t, f)

	dash.Refresh(context.Background())
	waitFor(t, "OPEN", func() bool { m, _ := dash.Channels(); return m.Status == stream.StatusOpen })

	f.setQuotes([]quotes.Quote{}, nil)
	dash.Refresh(context.Background())

	if !d.byPrefix(marketURL)[0].isClosed() {
		t.Error("expected the ticker socket to be closed")
	}
	if m, _ := dash.Channels(); m.Status != stream.StatusIdle {
		t.Errorf("expected IDLE ticker, got %s", m.Status)
	}
}

func TestFailedQuoteFetchKeepsSubscription(t *testing.T) {
	f := &fakeFetcher{quotes: marketsOf("A", "B")}
	dash, d := newTestDashboard(t, f)

	dash.Refresh(context.Background())
	waitFor(t, "OPEN", func() bool { m, _ := dash.Channels(); return m.Status == stream.StatusOpen })

	f.setQuotes(nil, errors.New("502 bad gateway"))
	f.postsErr = errors.New("timeout")
	if err := dash.Refresh(context.Background()); err != nil {
		t.Fatalf("settle-all refresh must not fail: %v", err)
	}

	v := dash.View()
	if len(v.Quotes) != 2 {
		t.Errorf("expected previous quotes to remain visible, got %d", len(v.Quotes))
	}
	if len(v.Posts) != 0 {
		t.Errorf("failed posts branch should fall back to empty, got %v", v.Posts)
	}
	if strings.Join(v.Failed, ",") != "quotes,posts" && strings.Join(v.Failed, ",") != "posts,quotes" {
		t.Errorf("expected quotes and posts failed, got %v", v.Failed)
	}
	if n := len(d.byPrefix(marketURL)); n != 1 || d.byPrefix(marketURL)[0].isClosed() {
		t.Error("a failed quote fetch must not touch the ticker socket")
	}
}

func TestTicksFlashAndRefreshNeverFlashes(t *testing.T) {
	f := &fakeFetcher{quotes: marketsOf("KRW-BTC")}
	dash, d := newTestDashboard(t, f)

	var mu sync.Mutex
	var flashes []events.Event
	dash.Bus().Subscribe(events.EventQuoteFlash, func(e events.Event) {
		mu.Lock()
		flashes = append(flashes, e)
		mu.Unlock()
	})

	dash.Refresh(context.Background())
	waitFor(t, "OPEN", func() bool { m, _ := dash.Channels(); return m.Status == stream.StatusOpen })

	conn := d.byPrefix(marketURL)[0]
	conn.inbound <- []byte(`{"code":"KRW-BTC","tradePrice":150,"timestamp":` + fmt.Sprint(time.Now().UnixMilli()) + `}`)
	waitFor(t, "UP flash", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flashes) == 1
	})

	// The REST snapshot is older than the tick and still at 100
	f.setQuotes([]quotes.Quote{{Market: "KRW-BTC", TradePrice: 100, UpdatedAt: time.Now().Add(-time.Minute)}}, nil)
	dash.Refresh(context.Background())

	mu.Lock()
	n := len(flashes)
	mu.Unlock()
	if n != 1 {
		t.Errorf("refresh must not flash, got %d flashes", n)
	}
	if p, _ := dash.Reconciler().Cache().Price("KRW-BTC"); p != 150 {
		t.Errorf("older snapshot must not clobber the tick, got %v", p)
	}
	if v := dash.View(); v.Flashes["KRW-BTC"] != quotes.DirectionUp {
		t.Errorf("expected live UP flash in view, got %v", v.Flashes)
	}
}

func TestPeriodicRefreshKeepsLiveTickPrice(t *testing.T) {
	// Snapshot quotes without a timestamp are stamped at seed time
	f := &fakeFetcher{quotes: []quotes.Quote{{Market: "KRW-BTC", TradePrice: 100}}}
	dash, d := newTestDashboardEvery(t, f, 10*time.Millisecond)

	var mu sync.Mutex
	var flashes []events.Event
	dash.Bus().Subscribe(events.EventQuoteFlash, func(e events.Event) {
		mu.Lock()
		flashes = append(flashes, e)
		mu.Unlock()
	})
	refreshes := countEvents(dash, events.EventSnapshotRefreshed)

	if err := dash.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "OPEN", func() bool { m, _ := dash.Channels(); return m.Status == stream.StatusOpen })

	conn := d.byPrefix(marketURL)[0]
	tick := []byte(`{"code":"KRW-BTC","tradePrice":150,"timestamp":` + fmt.Sprint(time.Now().UnixMilli()) + `}`)
	conn.inbound <- tick
	waitFor(t, "UP flash", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flashes) == 1
	})

	base := refreshes()
	waitFor(t, "two periodic refreshes", func() bool { return refreshes() >= base+2 })

	if p, _ := dash.Reconciler().Cache().Price("KRW-BTC"); p != 150 {
		t.Errorf("periodic refresh must not roll back the live price, got %v", p)
	}

	// Same price again must not flash
	conn.inbound <- tick
	waitFor(t, "second tick handled", func() bool { m, _ := dash.Channels(); return m.Received == 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(flashes) != 1 {
		t.Errorf("expected a single UP flash, got %d", len(flashes))
	}
	if n := len(d.byPrefix(marketURL)); n != 1 {
		t.Errorf("unchanged watch list must keep the socket, got %d dials", n)
	}
}

func TestRefreshLoopRunsUntilClose(t *testing.T) {
	f := &fakeFetcher{quotes: marketsOf("A", "B", "C")}
	dash, d := newTestDashboardEvery(t, f, 10*time.Millisecond)
	d.refuse(notifyURL)
	refreshes := countEvents(dash, events.EventSnapshotRefreshed)

	if err := dash.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "repeated refreshes", func() bool { return refreshes() >= 3 })

	dash.SetSession(auth.Session{UserID: "u1", AccessToken: "a"})
	waitFor(t, "notifications DISABLED", func() bool {
		_, n := dash.Channels()
		return n.Status == stream.StatusDisabled
	})

	// A disabled channel still gets fresh snapshot data
	f.setQuotes([]quotes.Quote{
		{Market: "A", TradePrice: 100},
		{Market: "B", TradePrice: 101},
		{Market: "C", TradePrice: 999},
	}, nil)
	waitFor(t, "C repriced", func() bool {
		for _, q := range dash.View().Quotes {
			if q.Market == "C" {
				return q.TradePrice == 999
			}
		}
		return false
	})
	waitFor(t, "session branches", func() bool { return len(dash.View().Bots) == 1 })
	if _, n := dash.Channels(); n.Status != stream.StatusDisabled {
		t.Errorf("refresh must not revive a disabled channel, got %s", n.Status)
	}

	dash.Close()
	stopped := refreshes()
	time.Sleep(50 * time.Millisecond)
	if n := refreshes(); n != stopped {
		t.Errorf("refresh loop kept running after Close: %d -> %d", stopped, n)
	}
	if err := dash.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestSessionStartsAndStopsNotifications(t *testing.T) {
	f := &fakeFetcher{}
	dash, d := newTestDashboard(t, f)

	var mu sync.Mutex
	var got []events.Event
	dash.Bus().Subscribe(events.EventNotification, func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	dash.SetSession(auth.Session{UserID: "u1", AccessToken: "a"})
	waitFor(t, "notification OPEN", func() bool {
		_, n := dash.Channels()
		return n.Status == stream.StatusOpen
	})

	conns := d.byPrefix(notifyURL)
	if len(conns) != 1 || conns[0].url != notifyURL+"/u1?token=tok-1" {
		t.Fatalf("unexpected notification sockets %v", conns)
	}

	conns[0].inbound <- []byte(`{"kind":"COMMENT","message":"nice trade"}`)
	conns[0].inbound <- []byte(`nope`)
	conns[0].inbound <- []byte(`{"kind":"LIKE","message":"liked"}`)
	waitFor(t, "two notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	if got[0].Data["message"] != "nice trade" || got[1].Data["kind"] != notification.Kind("LIKE") {
		t.Errorf("unexpected notifications %v", got)
	}
	mu.Unlock()

	// Token refresh for the same user keeps the socket
	dash.SetSession(auth.Session{UserID: "u1", AccessToken: "b"})
	if n := len(d.byPrefix(notifyURL)); n != 1 {
		t.Errorf("same-user session change must not reconnect, got %d sockets", n)
	}

	// A different user gets a new socket
	dash.SetSession(auth.Session{UserID: "u2", AccessToken: "c"})
	waitFor(t, "u2 socket", func() bool { return len(d.byPrefix(notifyURL)) == 2 })
	if !conns[0].isClosed() {
		t.Error("u1 socket must be closed when the user changes")
	}
	if url := d.byPrefix(notifyURL)[1].url; !strings.Contains(url, "/u2?token=tok-2") {
		t.Errorf("expected fresh token for u2, got %s", url)
	}

	// Sign-out tears the socket down
	dash.SetSession(auth.Session{})
	if !d.byPrefix(notifyURL)[1].isClosed() {
		t.Error("sign-out must close the notification socket")
	}
	if _, n := dash.Channels(); n.Status != stream.StatusIdle {
		t.Errorf("expected IDLE notifications, got %s", n.Status)
	}
}

func TestChannelStatusPublished(t *testing.T) {
	f := &fakeFetcher{quotes: marketsOf("A")}
	dash, _ := newTestDashboard(t, f)

	var mu sync.Mutex
	var statuses []string
	dash.Bus().Subscribe(events.EventChannelStatus, func(e events.Event) {
		mu.Lock()
		statuses = append(statuses, fmt.Sprintf("%v:%v", e.Data["channel"], e.Data["status"]))
		mu.Unlock()
	})

	dash.Refresh(context.Background())
	waitFor(t, "market OPEN status", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range statuses {
			if s == "market:OPEN" {
				return true
			}
		}
		return false
	})
}

func TestCloseTearsDownEverything(t *testing.T) {
	f := &fakeFetcher{quotes: marketsOf("A")}
	dash, d := newTestDashboard(t, f)

	if err := dash.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dash.SetSession(auth.Session{UserID: "u1"})
	waitFor(t, "both sockets", func() bool {
		m, n := dash.Channels()
		return m.Status == stream.StatusOpen && n.Status == stream.StatusOpen
	})

	dash.Close()
	dash.Close()

	for _, c := range append(d.byPrefix(marketURL), d.byPrefix(notifyURL)...) {
		if !c.isClosed() {
			t.Errorf("socket %s left open", c.url)
		}
	}
	if err := dash.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	if err := dash.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Start, got %v", err)
	}
}

func TestViewIsACopy(t *testing.T) {
	f := &fakeFetcher{quotes: marketsOf("A", "B")}
	dash, _ := newTestDashboard(t, f)
	dash.Refresh(context.Background())

	v := dash.View()
	v.Quotes[0].TradePrice = -1
	v.Posts[0].Title = "changed"

	again := dash.View()
	if again.Quotes[0].TradePrice == -1 || again.Posts[0].Title == "changed" {
		t.Error("mutating a view must not change the read model")
	}
	if _, err := json.Marshal(again); err != nil {
		t.Errorf("view must be serializable: %v", err)
	}
}
