// Package stream runs one websocket feed through the
// IDLE -> CONNECTING -> OPEN -> RECONNECT_WAIT lifecycle with pluggable
// backoff, handshake and message handling.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dashboard-stream/internal/logging"
	"dashboard-stream/internal/retry"
)

const (
	defaultPingInterval = 30 * time.Second
	controlWriteTimeout = 5 * time.Second
	eventBuffer         = 64
)

// Options configures a Manager
type Options struct {
	Policy       retry.Policy
	Dialer       Dialer
	PingInterval time.Duration // <0 disables pings
	Logger       *logging.Logger
}

// Manager owns at most one socket for a channel. State changes happen on a
// single loop goroutine per Start; Teardown stops that goroutine and waits
// for it before returning.
type Manager struct {
	ch           Channel
	policy       retry.Policy
	dialer       Dialer
	pingInterval time.Duration
	logger       *logging.Logger

	lifeMu sync.Mutex // serializes Start and Teardown
	run    *run

	stateMu   sync.RWMutex
	state     State
	listeners []func(State)
}

// NewManager creates an idle manager for ch
func NewManager(ch Channel, opts Options) *Manager {
	if opts.Policy == nil {
		opts.Policy = retry.NotificationDefault()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}

	return &Manager{
		ch:           ch,
		policy:       opts.Policy,
		dialer:       opts.Dialer,
		pingInterval: opts.PingInterval,
		logger:       logging.ChannelContext(opts.Logger, ch.Name(), ""),
		state: State{
			Channel: ch.Name(),
			Status:  StatusIdle,
			Since:   time.Now(),
		},
	}
}

// OnStateChange registers a listener called after every status transition.
// Listeners run synchronously and must not call Start or Teardown.
func (m *Manager) OnStateChange(fn func(State)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns a copy of the current connection state
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	s := m.state
	s.WatchedKeys = append([]string(nil), m.state.WatchedKeys...)
	return s
}

// Status returns the current status
func (m *Manager) Status() Status {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state.Status
}

// Healthy reports whether the socket is open or on its way there
func (m *Manager) Healthy() bool {
	switch m.Status() {
	case StatusOpen, StatusConnecting:
		return true
	}
	return false
}

// Channel returns the channel this manager drives
func (m *Manager) Channel() Channel {
	return m.ch
}

// Start begins connecting. It is a no-op while a run is active, and revives
// a DISABLED manager with a fresh attempt count.
func (m *Manager) Start() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.run != nil && !m.run.finished() {
		if m.Status() != StatusDisabled {
			return
		}
		// The loop is exiting on its own
		<-m.run.done
	}
	r := newRun(m)
	m.run = r
	go r.loop()
}

// Teardown closes the socket, cancels any pending connect or reconnect
// timer and leaves the manager IDLE. Idempotent, safe before Start.
func (m *Manager) Teardown() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	r := m.run
	m.run = nil
	if r != nil {
		r.stop()
	}

	if m.Status() != StatusIdle {
		m.setState(func(s *State) {
			s.Status = StatusIdle
		})
		m.logger.Debug("teardown complete")
	}
}

func (m *Manager) setState(update func(*State)) {
	m.stateMu.Lock()
	prev := m.state.Status
	update(&m.state)
	if w, ok := m.ch.(Watcher); ok {
		m.state.WatchedKeys = w.WatchedKeys()
	}
	if m.state.Status != prev {
		m.state.Since = time.Now()
	}
	snapshot := m.state
	snapshot.WatchedKeys = append([]string(nil), m.state.WatchedKeys...)
	listeners := append([]func(State){}, m.listeners...)
	m.stateMu.Unlock()

	if snapshot.Status == prev {
		return
	}
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (m *Manager) count(received, dropped uint64) {
	m.stateMu.Lock()
	m.state.Received += received
	m.state.Dropped += dropped
	m.stateMu.Unlock()
}

type eventKind int

const (
	evOpened eventKind = iota
	evEndpointFailed // No socket could be attempted
	evDialFailed     // Network or handshake failure
	evMessage
	evClosed
)

type event struct {
	kind        eventKind
	gen         uint64
	conn        Conn
	messageType int
	data        []byte
	err         error
}

// run is one Start..Teardown (or Start..DISABLED) lifetime
type run struct {
	m      *Manager
	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	dials  sync.WaitGroup

	// Owned by the loop goroutine
	gen      uint64
	conn     Conn
	attempt  int
	retry    *time.Timer
	ping     *time.Ticker
	disabled bool
}

func newRun(m *Manager) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		m:      m,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan event, eventBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) stopped() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

func (r *run) stop() {
	r.once.Do(func() {
		close(r.quit)
		r.cancel()
	})
	<-r.done
	// A dial that raced the teardown closes its socket before returning
	r.dials.Wait()
}

func (r *run) post(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.quit:
		return false
	}
}

func (r *run) loop() {
	defer close(r.done)
	defer r.shutdown()

	if r.stopped() {
		return
	}
	r.connect()
	for !r.disabled {
		select {
		case <-r.quit:
			return
		case ev := <-r.events:
			if r.stopped() {
				if ev.conn != nil {
					ev.conn.Close()
				}
				return
			}
			r.handle(ev)
		case <-r.retryC():
			r.retry = nil
			r.connect()
		case <-r.pingC():
			r.sendPing()
		}
	}
}

func (r *run) retryC() <-chan time.Time {
	if r.retry == nil {
		return nil
	}
	return r.retry.C
}

func (r *run) pingC() <-chan time.Time {
	if r.ping == nil {
		return nil
	}
	return r.ping.C
}

func (r *run) connect() {
	r.gen++
	gen := r.gen
	attempt := r.attempt
	r.m.setState(func(s *State) {
		s.Status = StatusConnecting
		s.Attempt = attempt
	})
	r.m.logger.Debug("connecting", "attempt", attempt)
	r.dials.Add(1)
	go r.dial(gen)
}

func (r *run) dial(gen uint64) {
	defer r.dials.Done()

	rawURL, header, err := r.m.ch.Endpoint(r.ctx)
	if err == nil {
		err = validateEndpoint(rawURL)
	}
	if err != nil {
		r.post(event{kind: evEndpointFailed, gen: gen, err: fmt.Errorf("resolve endpoint: %w", err)})
		return
	}

	conn, err := r.m.dialer.Dial(r.ctx, rawURL, header)
	if err != nil {
		r.post(event{kind: evDialFailed, gen: gen, err: err})
		return
	}
	if !r.post(event{kind: evOpened, gen: gen, conn: conn}) {
		conn.Close()
	}
}

func (r *run) handle(ev event) {
	switch ev.kind {
	case evOpened:
		if ev.gen != r.gen || r.conn != nil {
			ev.conn.Close()
			return
		}
		r.opened(ev.conn)

	case evEndpointFailed, evDialFailed:
		if ev.gen != r.gen {
			return
		}
		r.fail(ev.err, ev.kind == evEndpointFailed)

	case evMessage:
		if ev.gen != r.gen || r.conn == nil {
			return
		}
		r.deliver(ev.messageType, ev.data)

	case evClosed:
		if ev.gen != r.gen || r.conn == nil {
			return
		}
		r.fail(ev.err, false)
	}
}

func (r *run) opened(conn Conn) {
	r.conn = conn
	r.attempt = 0
	r.m.setState(func(s *State) {
		s.Status = StatusOpen
		s.Attempt = 0
		s.LastError = ""
	})
	r.m.logger.Info("connected")

	if err := r.m.ch.OnOpen(connSender{conn: conn}); err != nil {
		r.fail(fmt.Errorf("handshake: %w", err), false)
		return
	}

	if r.m.pingInterval > 0 {
		r.ping = time.NewTicker(r.m.pingInterval)
	}
	go r.read(r.gen, conn)
}

func (r *run) read(gen uint64, conn Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			r.post(event{kind: evClosed, gen: gen, err: err})
			return
		}
		if !r.post(event{kind: evMessage, gen: gen, messageType: messageType, data: data}) {
			return
		}
	}
}

func (r *run) deliver(messageType int, data []byte) {
	text, err := decodeFrame(messageType, data)
	if err == nil {
		err = r.m.ch.OnMessage(text)
	}
	if err != nil {
		r.m.count(0, 1)
		r.m.logger.Warn("dropping frame", "error", err)
		return
	}
	r.m.count(1, 0)
}

func (r *run) sendPing() {
	if r.conn == nil {
		return
	}
	deadline := time.Now().Add(controlWriteTimeout)
	if err := r.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		r.fail(fmt.Errorf("ping: %w", err), false)
	}
}

// fail moves to RECONNECT_WAIT, or DISABLED when the policy gives up
func (r *run) fail(err error, dialFailed bool) {
	r.closeConn()
	// Late frames from the dead socket must not reach the channel
	r.gen++

	if !r.m.policy.ShouldRetry(r.attempt) {
		r.disabled = true
		attempt := r.attempt
		r.m.setState(func(s *State) {
			s.Status = StatusDisabled
			s.Attempt = attempt
			s.LastError = errString(err)
		})
		r.m.logger.Error("giving up, channel permanently disconnected", "attempt", attempt, "error", err)
		return
	}

	delay := retry.DelayFor(r.m.policy, r.attempt, dialFailed)
	r.attempt++
	attempt := r.attempt
	r.m.setState(func(s *State) {
		s.Status = StatusReconnectWait
		s.Attempt = attempt
		s.LastError = errString(err)
	})
	r.m.logger.Warn("connection lost", "error", err, "attempt", attempt, "retry_in_ms", delay.Milliseconds())
	r.retry = time.NewTimer(delay)
}

func (r *run) closeConn() {
	if r.ping != nil {
		r.ping.Stop()
		r.ping = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

func (r *run) shutdown() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	if r.ping != nil {
		r.ping.Stop()
		r.ping = nil
	}
	if r.conn != nil {
		r.m.setState(func(s *State) {
			s.Status = StatusClosing
		})
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		r.conn.Close()
		r.conn = nil
	}
	r.cancel()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
