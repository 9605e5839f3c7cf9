package moneyfmt

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMoney(t *testing.T) {
	assert.Equal(t, "1234.50 USDT", Money(decimal.NewFromFloat(1234.5), "USDT"))
}

func TestSigned(t *testing.T) {
	assert.Equal(t, "+10.00", Signed(decimal.NewFromInt(10)))
	assert.Equal(t, "-10.00", Signed(decimal.NewFromInt(-10)))
	assert.Equal(t, "+0.00", Signed(decimal.Zero))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "10.00%", Percent(decimal.NewFromFloat(0.1)))
}

func TestBasisPoints(t *testing.T) {
	assert.Equal(t, "25 bps", BasisPoints(decimal.NewFromFloat(0.0025)))
}
