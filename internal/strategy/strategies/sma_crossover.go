// Package strategies holds concrete BaseStrategy implementations.
package strategies

import (
	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/strategy"
	"github.com/aristath/cryptosentinel/internal/strategy/indicators"
)

// SMACrossover emits a buy proposal when the fast SMA crosses above the slow
// SMA, and a sell proposal on the reverse cross.
type SMACrossover struct {
	Exchange string
	Symbol   string
	Fast     int
	Slow     int

	lastFastAboveSlow *bool
}

func NewSMACrossover(exchange, symbol string, fast, slow int) *SMACrossover {
	return &SMACrossover{Exchange: exchange, Symbol: symbol, Fast: fast, Slow: slow}
}

func (s *SMACrossover) RequiredSubscriptions() []string {
	return []string{bus.MarketDataKey(s.Exchange, s.Symbol)}
}

func (s *SMACrossover) PopulateIndicators(history strategy.History) strategy.History {
	closes := closesOf(history)
	if history.Indicators == nil {
		history.Indicators = map[string][]float64{}
	}
	limit := len(history.Bars)
	if fast := indicators.SMA(closes, s.Fast); fast != nil {
		history.Indicators["sma_fast"] = appendBounded(history.Indicators["sma_fast"], *fast, limit)
	}
	if slow := indicators.SMA(closes, s.Slow); slow != nil {
		history.Indicators["sma_slow"] = appendBounded(history.Indicators["sma_slow"], *slow, limit)
	}
	return history
}

// appendBounded appends v and trims from the front so the series never
// outgrows the bar ring it's derived from; PopulateIndicators runs once per
// closed bar for the life of the worker process, so an unbounded append here
// would leak memory (spec requires a bounded footprint, not just for bars).
func appendBounded(series []float64, v float64, limit int) []float64 {
	series = append(series, v)
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	return series
}

func (s *SMACrossover) OnData(latest strategy.Bar, history strategy.History) (*domain.Proposal, error) {
	fastSeries := history.Indicators["sma_fast"]
	slowSeries := history.Indicators["sma_slow"]
	if len(fastSeries) == 0 || len(slowSeries) == 0 {
		return nil, nil
	}

	fast := fastSeries[len(fastSeries)-1]
	slow := slowSeries[len(slowSeries)-1]
	aboveNow := fast > slow

	defer func() { s.lastFastAboveSlow = &aboveNow }()

	if s.lastFastAboveSlow == nil || *s.lastFastAboveSlow == aboveNow {
		return nil, nil
	}

	side := domain.SideSell
	if aboveNow {
		side = domain.SideBuy
	}

	return &domain.Proposal{
		Symbol:      s.Symbol,
		Side:        side,
		SignalPrice: decimal.NewFromFloat(latest.Close),
		Confidence:  0.6,
		StrategyParams: map[string]any{
			"fast_sma": fast,
			"slow_sma": slow,
		},
	}, nil
}

func closesOf(history strategy.History) []float64 {
	closes := make([]float64, len(history.Bars))
	for i, b := range history.Bars {
		closes[i] = b.Close
	}
	return closes
}
