// Package subscription decides whether a live feed can keep its socket when
// the set of watched keys is recomputed.
package subscription

import "sync"

// DefaultWatchLimit is the number of markets the ticker socket subscribes to
const DefaultWatchLimit = 8

// TopN returns a copy of the first n keys
func TopN(keys []string, n int) []string {
	if n < 0 {
		n = 0
	}
	if len(keys) < n {
		n = len(keys)
	}
	out := make([]string, n)
	copy(out, keys[:n])
	return out
}

// Equal compares two key lists position by position.
// The subscribe frame is ordered, so [A,B] and [B,A] are different subscriptions.
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShouldRebuild reports whether the socket must be torn down and rebuilt,
// comparing the first DefaultWatchLimit keys of each list.
func ShouldRebuild(prev, next []string, healthy bool) bool {
	return shouldRebuild(prev, next, healthy, DefaultWatchLimit)
}

func shouldRebuild(prev, next []string, healthy bool, limit int) bool {
	if !healthy {
		return true
	}
	return !Equal(TopN(prev, limit), TopN(next, limit))
}

// Differ remembers the last applied watch list for one channel.
// When Next reports a rebuild the caller must seed price baselines for the
// returned keys before the new socket delivers its first tick.
type Differ struct {
	mu      sync.Mutex
	limit   int
	current []string
}

func NewDiffer(limit int) *Differ {
	if limit <= 0 {
		limit = DefaultWatchLimit
	}
	return &Differ{limit: limit}
}

// Next trims candidates to the watch limit and compares them with the
// current list. The trimmed list becomes current when a rebuild is reported.
func (d *Differ) Next(candidates []string, healthy bool) (keys []string, rebuild bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys = TopN(candidates, d.limit)
	if !shouldRebuild(d.current, keys, healthy, d.limit) {
		return TopN(d.current, d.limit), false
	}
	d.current = keys
	return TopN(keys, d.limit), true
}

// Current returns a copy of the last applied list
func (d *Differ) Current() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return TopN(d.current, d.limit)
}
