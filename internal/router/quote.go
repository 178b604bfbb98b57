// Package router selects execution venues by effective cost and plans order
// splits across them.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/internal/instrument"
)

// Quote is one venue's answer to a depth probe: the touch price and the
// quantity available near it.
type Quote struct {
	Venue    string
	Price    decimal.Decimal
	Depth    decimal.Decimal
	ProbedAt time.Time
}

// DepthProber answers depth probes against a live venue book.
type DepthProber interface {
	ProbeDepth(ctx context.Context, venueName string, id instrument.ID, side string) (Quote, error)
}

// quoteCache memoises depth probes per (venue, instrument, side) for the
// configured TTL so routing a burst of orders does not hammer the venues.
type quoteCache struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	entries map[string]Quote
}

func newQuoteCache(ttl time.Duration, clock func() time.Time) *quoteCache {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &quoteCache{ttl: ttl, clock: clock, entries: make(map[string]Quote)}
}

func (c *quoteCache) get(key string) (Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	quote, ok := c.entries[key]
	if !ok || c.clock().Sub(quote.ProbedAt) > c.ttl {
		return Quote{}, false
	}
	return quote, true
}

func (c *quoteCache) put(key string, quote Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if quote.ProbedAt.IsZero() {
		quote.ProbedAt = c.clock()
	}
	c.entries[key] = quote
}
