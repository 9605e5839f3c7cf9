package exchange

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache is a short-TTL cache for last-trade prices, strictly
// shorter than any trading decision horizon.
type PriceCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]priceEntry
}

type priceEntry struct {
	price  decimal.Decimal
	stored time.Time
}

func NewPriceCache(ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &PriceCache{ttl: ttl, entries: make(map[string]priceEntry)}
}

// Get returns the cached price for symbol if it has not yet expired.
func (c *PriceCache) Get(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok || time.Since(e.stored) > c.ttl {
		return decimal.Zero, false
	}
	return e.price, true
}

// Set records the latest observed price for symbol.
func (c *PriceCache) Set(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = priceEntry{price: price, stored: time.Now()}
}
