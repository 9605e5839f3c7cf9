package strategies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cryptosentinel/internal/domain"
)

func TestNewBuildsSMACrossover(t *testing.T) {
	s, err := New(domain.Strategy{
		StrategyType: "sma_crossover",
		Exchange:     "binance",
		Symbol:       "BTCUSDT",
		Parameters:   map[string]any{"fast": float64(5), "slow": float64(20)},
	})
	require.NoError(t, err)
	_, ok := s.(*SMACrossover)
	assert.True(t, ok)
}

func TestNewBuildsDCAWithDefaults(t *testing.T) {
	s, err := New(domain.Strategy{
		StrategyType: "dca",
		Symbol:       "ETHUSDT",
		Parameters:   map[string]any{},
	})
	require.NoError(t, err)
	dca, ok := s.(*DCA)
	require.True(t, ok)
	assert.Equal(t, "24h", dca.Interval)
}

func TestNewRejectsUnknownStrategyType(t *testing.T) {
	_, err := New(domain.Strategy{StrategyType: "unknown"})
	assert.Error(t, err)
}
