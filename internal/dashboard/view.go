package dashboard

import (
	"time"

	"dashboard-stream/internal/market"
	"dashboard-stream/internal/notification"
	"dashboard-stream/internal/quotes"
	"dashboard-stream/internal/snapshot"
	"dashboard-stream/internal/stream"
)

// View is an immutable copy of the read model
type View struct {
	Quotes        []quotes.Quote              `json:"quotes"`
	Flashes       map[string]quotes.Direction `json:"flashes"`
	Posts         []snapshot.Post             `json:"posts"`
	Bots          []snapshot.Bot              `json:"bots"`
	Points        snapshot.Points             `json:"points"`
	Market        stream.State                `json:"market"`
	Notifications stream.State                `json:"notifications"`
	SessionActive bool                        `json:"sessionActive"`
	UserID        string                      `json:"userId,omitempty"`
	Failed        []string                    `json:"failed,omitempty"`
	RefreshedAt   time.Time                   `json:"refreshedAt"`
}

// View returns the current read model. Quotes follow snapshot order with the
// latest live prices.
func (d *Dashboard) View() View {
	d.mu.RLock()
	snap := d.snap
	session := d.session
	d.mu.RUnlock()

	order := snap.Markets()
	qs := d.rec.Cache().Select(order)
	if len(order) == 0 {
		qs = d.rec.Cache().Snapshot()
	}

	mkt, ntf := d.Channels()
	return View{
		Quotes:        qs,
		Flashes:       d.rec.Flashes(),
		Posts:         append([]snapshot.Post{}, snap.Posts...),
		Bots:          append([]snapshot.Bot{}, snap.Bots...),
		Points:        snap.Points,
		Market:        mkt,
		Notifications: ntf,
		SessionActive: session.Active(),
		UserID:        session.UserID,
		Failed:        append([]string(nil), snap.Failed...),
		RefreshedAt:   snap.FetchedAt,
	}
}

// Channels returns the state of the ticker and notification feeds.
// A feed without a manager reports IDLE.
func (d *Dashboard) Channels() (mkt, ntf stream.State) {
	d.mu.RLock()
	m, n := d.market, d.notify
	d.mu.RUnlock()

	mkt = stream.State{Channel: market.ChannelName, Status: stream.StatusIdle}
	if m != nil {
		mkt = m.State()
	}
	ntf = stream.State{Channel: notification.ChannelName, Status: stream.StatusIdle}
	if n != nil {
		ntf = n.State()
	}
	return mkt, ntf
}
