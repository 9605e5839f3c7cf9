package strategies

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/strategy"
)

func feedBar(t *testing.T, s *SMACrossover, h strategy.History, close float64) (strategy.History, *domain.Proposal) {
	t.Helper()
	bar := strategy.Bar{Close: close}
	h.Bars = append(h.Bars, bar)
	h = s.PopulateIndicators(h)
	p, err := s.OnData(bar, h)
	require.NoError(t, err)
	return h, p
}

func TestSMACrossoverEmitsOnlyOnCross(t *testing.T) {
	s := NewSMACrossover("binance", "BTCUSDT", 2, 4)
	var h strategy.History

	closes := []float64{100, 100, 100, 100, 101, 110, 120}
	var fires int
	for _, c := range closes {
		var p *domain.Proposal
		h, p = feedBar(t, s, h, c)
		if p != nil {
			fires++
		}
	}

	require.GreaterOrEqual(t, fires, 1)
}

func TestSMACrossoverRequiredSubscriptionsIsMarketData(t *testing.T) {
	s := NewSMACrossover("binance", "BTCUSDT", 5, 20)
	subs := s.RequiredSubscriptions()
	require.Equal(t, []string{"market_data.binance.BTCUSDT"}, subs)
}
