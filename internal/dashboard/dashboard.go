// Package dashboard wires the REST snapshot, the ticker feed and the
// notification feed into one read model.
package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dashboard-stream/config"
	"dashboard-stream/internal/auth"
	"dashboard-stream/internal/events"
	"dashboard-stream/internal/logging"
	"dashboard-stream/internal/market"
	"dashboard-stream/internal/notification"
	"dashboard-stream/internal/quotes"
	"dashboard-stream/internal/retry"
	"dashboard-stream/internal/snapshot"
	"dashboard-stream/internal/stream"
	"dashboard-stream/internal/subscription"
)

var ErrClosed = errors.New("dashboard closed")

// Fetcher is the REST side of the dashboard
type Fetcher interface {
	FetchQuotes(ctx context.Context) ([]quotes.Quote, error)
	FetchPosts(ctx context.Context) ([]snapshot.Post, error)
	FetchBots(ctx context.Context) ([]snapshot.Bot, error)
	FetchPoints(ctx context.Context) (snapshot.Points, error)
	FetchToken(ctx context.Context) (snapshot.TokenResponse, error)
}

// sessionBinder is implemented by fetchers that send the session's bearer token
type sessionBinder interface {
	SetSession(auth.Session)
}

// Options configures a Dashboard
type Options struct {
	MarketURL          string
	NotificationURL    string // Empty disables the notification feed
	MaxWatched         int
	FlashDuration      time.Duration
	RefreshInterval    time.Duration
	MarketPolicy       retry.Policy
	NotificationPolicy retry.Policy
	Dialer             stream.Dialer
	PingInterval       time.Duration
	Logger             *logging.Logger
}

// OptionsFromConfig maps the loaded configuration onto Options
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		MarketURL:       cfg.MarketFeedConfig.URL,
		MaxWatched:      cfg.MarketFeedConfig.MaxWatched,
		FlashDuration:   config.Millis(cfg.MarketFeedConfig.FlashMillis),
		RefreshInterval: config.Seconds(cfg.SnapshotConfig.RefreshInterval),
		MarketPolicy: retry.Fixed{
			Delay:       config.Millis(cfg.BackoffConfig.MarketRetryMillis),
			DialFailure: config.Millis(cfg.BackoffConfig.MarketDialFailureMillis),
		},
		NotificationPolicy: retry.Exponential{
			Base:        config.Millis(cfg.BackoffConfig.NotificationBaseMillis),
			Max:         config.Millis(cfg.BackoffConfig.NotificationMaxMillis),
			MaxAttempts: cfg.BackoffConfig.NotificationMaxAttempts,
		},
		Dialer: stream.WebsocketDialer{
			HandshakeTimeout: config.Seconds(cfg.MarketFeedConfig.HandshakeTimeout),
		},
		PingInterval: config.Seconds(cfg.MarketFeedConfig.PingInterval),
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = -1
	}
	if cfg.NotificationFeedConfig.Enabled {
		opts.NotificationURL = cfg.NotificationFeedConfig.URL
	}
	return opts
}

// Dashboard owns the quote cache and both feed managers
type Dashboard struct {
	opts    Options
	fetcher Fetcher
	bus     *events.EventBus
	logger  *logging.Logger
	rec     *quotes.Reconciler
	differ  *subscription.Differ

	refreshMu sync.Mutex // serializes Refresh and market rebuilds
	sessionMu sync.Mutex // serializes SetSession and notification rebuilds

	mu      sync.RWMutex
	market  *stream.Manager
	notify  *stream.Manager
	session auth.Session
	snap    snapshot.Snapshot
	closed  bool

	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New creates an idle dashboard. Nothing connects until Start or Refresh.
func New(opts Options, fetcher Fetcher, bus *events.EventBus) *Dashboard {
	if opts.MaxWatched <= 0 {
		opts.MaxWatched = subscription.DefaultWatchLimit
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.MarketPolicy == nil {
		opts.MarketPolicy = retry.MarketDefault()
	}
	if opts.NotificationPolicy == nil {
		opts.NotificationPolicy = retry.NotificationDefault()
	}
	if bus == nil {
		bus = events.NewEventBus()
	}

	rec := quotes.NewReconciler(quotes.NewCache(), opts.FlashDuration)
	rec.SetFlashCallback(bus.PublishQuoteFlash)
	rec.SetExpiredCallback(bus.PublishQuoteFlashExpired)

	return &Dashboard{
		opts:    opts,
		fetcher: fetcher,
		bus:     bus,
		logger:  logging.OrDefault(opts.Logger).WithComponent("dashboard"),
		rec:     rec,
		differ:  subscription.NewDiffer(opts.MaxWatched),
	}
}

// Bus returns the event bus the dashboard publishes to
func (d *Dashboard) Bus() *events.EventBus {
	return d.bus
}

// Reconciler returns the quote reconciler
func (d *Dashboard) Reconciler() *quotes.Reconciler {
	return d.rec
}

// Start runs an initial refresh and then refreshes on an interval until
// Close. A failed initial refresh is logged; the loop keeps trying.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.cancel != nil {
		d.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.loopDone = make(chan struct{})
	d.mu.Unlock()

	if err := d.Refresh(loopCtx); err != nil && !errors.Is(err, ErrClosed) {
		d.logger.Warn("initial refresh failed", "error", err)
	}

	go d.refreshLoop(loopCtx)
	return nil
}

func (d *Dashboard) refreshLoop(ctx context.Context) {
	defer close(d.loopDone)

	ticker := time.NewTicker(d.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
				d.logger.Warn("periodic refresh failed", "error", err)
			}
		}
	}
}

// Refresh fetches every snapshot branch, seeds the reconciler and applies
// the resulting watch list to the ticker feed.
func (d *Dashboard) Refresh(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	if d.isClosed() {
		return ErrClosed
	}

	snap, quotesOK := d.fetchAll(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	// A failed quote fetch keeps the current subscription
	var (
		keys    []string
		rebuild bool
	)
	if quotesOK {
		keys, rebuild = d.planWatchList(snap.Markets())
	}

	// Seed after the old socket is gone and before the new one starts.
	// A kept socket owns the prices of the keys it watches.
	if rebuild {
		d.teardownMarket()
		d.rec.Seed(snap.Quotes)
	} else {
		d.rec.Seed(snap.Quotes, d.differ.Current()...)
	}

	d.mu.Lock()
	if !quotesOK {
		snap.Quotes = d.snap.Quotes
	}
	d.snap = snap
	d.mu.Unlock()

	if rebuild {
		d.startMarket(keys)
	}

	d.bus.PublishSnapshotRefreshed(len(snap.Quotes), snap.Failed, snap.FetchedAt)
	d.logger.Debug("snapshot refreshed", "markets", len(snap.Quotes), "failed", len(snap.Failed))
	return nil
}

// fetchAll settles every branch. A failed branch falls back to its empty
// value and is listed in Failed.
func (d *Dashboard) fetchAll(ctx context.Context) (snapshot.Snapshot, bool) {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failed   []string
		quotesOK = true
	)
	fail := func(branch string, err error) {
		if errors.Is(err, snapshot.ErrNoSession) {
			return
		}
		d.logger.Warn("snapshot branch failed", "branch", branch, "error", err)
		mu.Lock()
		failed = append(failed, branch)
		mu.Unlock()
	}

	snap := snapshot.Snapshot{
		Quotes: []quotes.Quote{},
		Posts:  []snapshot.Post{},
		Bots:   []snapshot.Bot{},
	}

	g.Go(func() error {
		qs, err := d.fetcher.FetchQuotes(ctx)
		if err != nil {
			fail("quotes", err)
			quotesOK = false
			return nil
		}
		snap.Quotes = qs
		return nil
	})
	g.Go(func() error {
		posts, err := d.fetcher.FetchPosts(ctx)
		if err != nil {
			fail("posts", err)
			return nil
		}
		snap.Posts = posts
		return nil
	})
	g.Go(func() error {
		bots, err := d.fetcher.FetchBots(ctx)
		if err != nil {
			fail("bots", err)
			return nil
		}
		snap.Bots = bots
		return nil
	})
	g.Go(func() error {
		points, err := d.fetcher.FetchPoints(ctx)
		if err != nil {
			fail("points", err)
			return nil
		}
		snap.Points = points
		return nil
	})
	_ = g.Wait()

	snap.Failed = failed
	snap.FetchedAt = time.Now()
	return snap, quotesOK
}

// planWatchList reports the keys to watch and whether the ticker socket must
// be rebuilt, which happens when the top markets changed or the current
// socket is unhealthy. Must hold refreshMu.
func (d *Dashboard) planWatchList(candidates []string) ([]string, bool) {
	d.mu.RLock()
	current := d.market
	d.mu.RUnlock()

	healthy := len(d.differ.Current()) == 0
	if current != nil {
		healthy = current.Healthy()
	}
	return d.differ.Next(candidates, healthy)
}

func (d *Dashboard) teardownMarket() {
	d.mu.Lock()
	current := d.market
	d.market = nil
	d.mu.Unlock()

	if current != nil {
		current.Teardown()
	}
}

// startMarket opens a ticker socket for keys. Must hold refreshMu.
func (d *Dashboard) startMarket(keys []string) {
	if len(keys) == 0 {
		d.logger.Info("no markets to watch, ticker socket closed")
		return
	}

	feed, err := market.NewFeed(d.opts.MarketURL, keys, d.rec, d.opts.Logger)
	if err != nil {
		d.logger.Error("cannot build ticker feed", "error", err)
		return
	}
	feed.SetQuoteCallback(func(q quotes.Quote, _ *quotes.Direction) {
		d.bus.PublishQuoteUpdate(q)
	})

	m := stream.NewManager(feed, stream.Options{
		Policy:       d.opts.MarketPolicy,
		Dialer:       d.opts.Dialer,
		PingInterval: d.opts.PingInterval,
		Logger:       d.opts.Logger,
	})
	m.OnStateChange(d.bus.PublishChannelStatus)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.market = m
	d.mu.Unlock()

	d.logger.Info("ticker subscription rebuilt", "codes", keys)
	m.Start()
}

// SetSession reacts to sign-in, sign-out and token refresh. The notification
// socket follows the session's user; a token refresh for the same user keeps
// the socket and revives it if it had given up.
func (d *Dashboard) SetSession(s auth.Session) {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()

	if d.isClosed() {
		return
	}
	if binder, ok := d.fetcher.(sessionBinder); ok {
		binder.SetSession(s)
	}

	d.mu.Lock()
	prev := d.session
	current := d.notify
	d.session = s
	d.mu.Unlock()

	if prev.Active() && s.Active() && prev.SameUser(s) && current != nil {
		if current.Status() == stream.StatusDisabled {
			d.logger.Info("reviving notification stream", "user_id", s.UserID)
			current.Start()
		}
		return
	}

	if current != nil {
		current.Teardown()
		d.mu.Lock()
		d.notify = nil
		d.mu.Unlock()
	}

	if s.Active() && d.opts.NotificationURL != "" {
		d.startNotifications(s.UserID)
	}
	d.bus.PublishSessionChanged(s.UserID, s.Active())
}

func (d *Dashboard) startNotifications(userID string) {
	tokens := func(ctx context.Context) (auth.Token, error) {
		resp, err := d.fetcher.FetchToken(ctx)
		if err != nil {
			return auth.Token{}, err
		}
		return auth.NewToken(resp.Token, time.Duration(resp.TTLSeconds)*time.Second, time.Now()), nil
	}
	deliver := func(ev notification.Event) {
		d.bus.PublishNotification(userID, ev)
	}

	adapter, err := notification.NewAdapter(d.opts.NotificationURL, userID, tokens, deliver, d.opts.Logger)
	if err != nil {
		d.logger.Error("cannot build notification feed", "error", err)
		return
	}

	m := stream.NewManager(adapter, stream.Options{
		Policy:       d.opts.NotificationPolicy,
		Dialer:       d.opts.Dialer,
		PingInterval: d.opts.PingInterval,
		Logger:       logging.OrDefault(d.opts.Logger).WithField("user_id", userID),
	})
	m.OnStateChange(d.bus.PublishChannelStatus)

	d.mu.Lock()
	d.notify = m
	d.mu.Unlock()
	m.Start()
}

// Session returns the current session
func (d *Dashboard) Session() auth.Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

// Close tears down both sockets, the refresh loop and every flash timer.
// Safe to call more than once.
func (d *Dashboard) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	cancel, loopDone := d.cancel, d.loopDone
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-loopDone
	}

	// Wait out any in-flight refresh or session change
	d.refreshMu.Lock()
	d.sessionMu.Lock()
	d.mu.Lock()
	mkt, ntf := d.market, d.notify
	d.market, d.notify = nil, nil
	d.mu.Unlock()
	d.sessionMu.Unlock()
	d.refreshMu.Unlock()

	if mkt != nil {
		mkt.Teardown()
	}
	if ntf != nil {
		ntf.Teardown()
	}
	d.rec.Close()
	d.logger.Info("dashboard closed")
}

func (d *Dashboard) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}
