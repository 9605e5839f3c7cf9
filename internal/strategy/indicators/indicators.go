// Package indicators wraps markcheno/go-talib with the
// slice-in, last-value-out, nil-on-insufficient-data convention used
// throughout trader-go/pkg/formulas.
package indicators

import (
	talib "github.com/markcheno/go-talib"
)

// SMA returns the last simple-moving-average value over period, or nil if
// there isn't enough history yet.
func SMA(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}
	values := talib.Sma(closes, period)
	return lastValid(values)
}

// RSI returns the last Relative Strength Index value over length.
func RSI(closes []float64, length int) *float64 {
	if len(closes) < length+1 {
		return nil
	}
	values := talib.Rsi(closes, length)
	return lastValid(values)
}

// ATR returns the last Average True Range value, the volatility measure the
// Capital Manager's VolatilityAdjusted sizing model uses in place of a fixed
// stop-loss distance.
func ATR(highs, lows, closes []float64, period int) *float64 {
	if len(closes) < period+1 {
		return nil
	}
	values := talib.Atr(highs, lows, closes, period)
	return lastValid(values)
}

func lastValid(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	last := values[len(values)-1]
	if isNaN(last) {
		return nil
	}
	return &last
}

func isNaN(f float64) bool {
	return f != f
}
