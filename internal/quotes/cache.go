package quotes

import "sync"

// Cache holds the latest Quote per market in first-seen order.
// Only the Reconciler writes to it; everyone else reads copies.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	order  []string
}

func NewCache() *Cache {
	return &Cache{quotes: make(map[string]Quote)}
}

// Get returns the cached quote for a market
func (c *Cache) Get(market string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[market]
	return q, ok
}

// Price returns the cached trade price for a market
func (c *Cache) Price(market string) (float64, bool) {
	q, ok := c.Get(market)
	return q.TradePrice, ok
}

// Snapshot returns every cached quote in first-seen order
func (c *Cache) Snapshot() []Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Quote, 0, len(c.order))
	for _, market := range c.order {
		out = append(out, c.quotes[market])
	}
	return out
}

// Select returns cached quotes for the given markets, skipping unknown ones
func (c *Cache) Select(markets []string) []Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Quote, 0, len(markets))
	for _, market := range markets {
		if q, ok := c.quotes[market]; ok {
			out = append(out, q)
		}
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

func (c *Cache) put(q Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.quotes[q.Market]; !ok {
		c.order = append(c.order, q.Market)
	}
	c.quotes[q.Market] = q
}
