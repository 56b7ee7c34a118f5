package quotes

import (
	"sync"
	"time"
)

// DefaultFlashDuration is how long a price flash stays visible
const DefaultFlashDuration = 1200 * time.Millisecond

type flash struct {
	state FlashState
	timer *time.Timer
	seq   uint64
}

// Reconciler merges ticks into a Cache and keeps at most one live flash per
// market. Every flash owns a single expiry timer; a newer flash on the same
// market stops the older timer, and a timer that already fired checks its
// sequence number before touching state.
type Reconciler struct {
	cache         *Cache
	flashDuration time.Duration
	now           func() time.Time

	mu      sync.Mutex // serializes writes and guards the fields below
	flashes map[string]*flash
	seq     uint64
	closed  bool

	onFlash   func(FlashState)
	onExpired func(key string)
}

// NewReconciler creates a reconciler writing into cache.
// A non-positive duration selects DefaultFlashDuration.
func NewReconciler(cache *Cache, flashDuration time.Duration) *Reconciler {
	if flashDuration <= 0 {
		flashDuration = DefaultFlashDuration
	}
	return &Reconciler{
		cache:         cache,
		flashDuration: flashDuration,
		now:           time.Now,
		flashes:       make(map[string]*flash),
	}
}

// SetFlashCallback registers the callback invoked when a flash starts
func (r *Reconciler) SetFlashCallback(cb func(FlashState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFlash = cb
}

// SetExpiredCallback registers the callback invoked when a flash times out
func (r *Reconciler) SetExpiredCallback(cb func(key string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpired = cb
}

// Cache returns the cache this reconciler writes to
func (r *Reconciler) Cache() *Cache {
	return r.cache
}

// ApplyTick merges one tick. The first observation of a market never
// flashes; afterwards a flash is returned only when the price moved.
func (r *Reconciler) ApplyTick(key string, newPrice float64, fields TickFields) (Quote, *Direction) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		q, _ := r.cache.Get(key)
		return q, nil
	}

	prev, seen := r.cache.Get(key)
	q := merge(prev, key, newPrice, fields, r.now())
	r.cache.put(q)

	if !seen || prev.TradePrice == newPrice {
		r.mu.Unlock()
		return q, nil
	}

	dir := DirectionUp
	if newPrice < prev.TradePrice {
		dir = DirectionDown
	}
	state := r.startFlashLocked(key, dir)
	cb := r.onFlash
	r.mu.Unlock()

	if cb != nil {
		cb(state)
	}
	return q, &dir
}

// Seed installs baseline quotes without flashing. A cached quote is only
// replaced when the seed is at least as recent, so a REST snapshot never
// rolls back a newer tick. Cached quotes for live keys are owned by the
// ticker socket and left untouched.
func (r *Reconciler) Seed(snapshot []Quote, live ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	owned := make(map[string]struct{}, len(live))
	for _, key := range live {
		owned[key] = struct{}{}
	}

	for _, q := range snapshot {
		if q.Market == "" {
			continue
		}
		cur, cached := r.cache.Get(q.Market)
		if _, ok := owned[q.Market]; ok && cached {
			continue
		}
		if q.Symbol == "" {
			q.Symbol = SymbolFromMarket(q.Market)
		}
		if q.UpdatedAt.IsZero() {
			q.UpdatedAt = r.now()
		}
		if cached && cur.UpdatedAt.After(q.UpdatedAt) {
			continue
		}
		r.cache.put(q)
	}
}

// Flashes returns the live flash direction per market
func (r *Reconciler) Flashes() map[string]Direction {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Direction, len(r.flashes))
	for key, f := range r.flashes {
		out[key] = f.state.Direction
	}
	return out
}

// Flash returns the live flash for one market
func (r *Reconciler) Flash(key string) (FlashState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flashes[key]; ok {
		return f.state, true
	}
	return FlashState{}, false
}

// ActiveFlashes is the number of pending expiry timers
func (r *Reconciler) ActiveFlashes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flashes)
}

// Close stops every flash timer and ignores later ticks and seeds.
// Safe to call more than once.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for key, f := range r.flashes {
		f.timer.Stop()
		delete(r.flashes, key)
	}
}

func (r *Reconciler) startFlashLocked(key string, dir Direction) FlashState {
	if old, ok := r.flashes[key]; ok {
		old.timer.Stop()
	}

	r.seq++
	seq := r.seq
	state := FlashState{
		Key:       key,
		Direction: dir,
		ExpiresAt: r.now().Add(r.flashDuration),
	}
	r.flashes[key] = &flash{
		state: state,
		seq:   seq,
		timer: time.AfterFunc(r.flashDuration, func() { r.expire(key, seq) }),
	}
	return state
}

func (r *Reconciler) expire(key string, seq uint64) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	f, ok := r.flashes[key]
	if !ok || f.seq != seq {
		// Superseded by a newer flash
		r.mu.Unlock()
		return
	}
	delete(r.flashes, key)
	cb := r.onExpired
	r.mu.Unlock()

	if cb != nil {
		cb(key)
	}
}

func merge(prev Quote, key string, price float64, fields TickFields, now time.Time) Quote {
	q := prev
	q.Market = key
	q.TradePrice = price

	if fields.Symbol != "" {
		q.Symbol = fields.Symbol
	} else if q.Symbol == "" {
		q.Symbol = SymbolFromMarket(key)
	}
	if fields.SignedChangeRatePct != nil {
		q.SignedChangeRatePct = *fields.SignedChangeRatePct
	}
	if fields.Change != "" {
		q.Change = fields.Change
	} else if fields.SignedChangeRatePct != nil {
		q.Change = ChangeFromRate(*fields.SignedChangeRatePct)
	}
	if fields.AccTradeVolume24h != nil {
		q.AccTradeVolume24h = *fields.AccTradeVolume24h
	}
	if !fields.Timestamp.IsZero() {
		q.UpdatedAt = fields.Timestamp
	} else {
		q.UpdatedAt = now
	}
	return q
}
