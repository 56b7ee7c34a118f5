// Package snapshot fetches the REST read model the dashboard renders before
// and between live updates.
package snapshot

import (
	"time"

	"dashboard-stream/internal/quotes"
)

// Post is a community feed entry
type Post struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Likes     int       `json:"likes"`
	Comments  int       `json:"comments"`
	CreatedAt time.Time `json:"createdAt"`
}

// Bot is one of the user's trading bots
type Bot struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Market    string  `json:"market"`
	Status    string  `json:"status"` // RUNNING, STOPPED
	ProfitPct float64 `json:"profitPct"`
}

// Points is the user's reward balance
type Points struct {
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// TokenResponse is a freshly issued notification socket token
type TokenResponse struct {
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// Snapshot is one settled refresh. Every branch holds a value even when its
// fetch failed.
type Snapshot struct {
	Quotes    []quotes.Quote `json:"quotes"`
	Posts     []Post         `json:"posts"`
	Bots      []Bot          `json:"bots"`
	Points    Points         `json:"points"`
	Failed    []string       `json:"failed,omitempty"` // Branches that fell back to defaults
	FetchedAt time.Time      `json:"fetchedAt"`
}

// Markets returns quote markets in snapshot order
func (s Snapshot) Markets() []string {
	out := make([]string, 0, len(s.Quotes))
	for _, q := range s.Quotes {
		if q.Market != "" {
			out = append(out, q.Market)
		}
	}
	return out
}
