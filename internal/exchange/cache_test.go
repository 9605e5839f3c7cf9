package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPriceCacheSetGet(t *testing.T) {
	c := NewPriceCache(50 * time.Millisecond)
	c.Set("BTCUSDT", decimal.NewFromInt(65000))

	price, ok := c.Get("BTCUSDT")
	assert.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(65000)))
}

func TestPriceCacheExpires(t *testing.T) {
	c := NewPriceCache(10 * time.Millisecond)
	c.Set("BTCUSDT", decimal.NewFromInt(65000))
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("BTCUSDT")
	assert.False(t, ok)
}

func TestPriceCacheMissingSymbol(t *testing.T) {
	c := NewPriceCache(time.Second)
	_, ok := c.Get("ETHUSDT")
	assert.False(t, ok)
}
