package strategies

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/strategy"
)

// New builds the concrete BaseStrategy a Strategy row names, dispatching on
// strategy_type through a static registry rather than a plugin loader.
func New(s domain.Strategy) (strategy.BaseStrategy, error) {
	switch s.StrategyType {
	case "sma_crossover":
		fast := intParam(s.Parameters, "fast", 10)
		slow := intParam(s.Parameters, "slow", 30)
		return NewSMACrossover(s.Exchange, s.Symbol, fast, slow), nil
	case "dca":
		interval := stringParam(s.Parameters, "interval", "24h")
		amount := decimalParam(s.Parameters, "amount_quote", decimal.NewFromInt(10))
		return NewDCA(s.Symbol, interval, amount), nil
	default:
		return nil, fmt.Errorf("strategies: unknown strategy_type %q", s.StrategyType)
	}
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func stringParam(params map[string]any, key, def string) string {
	v, ok := params[key].(string)
	if !ok {
		return def
	}
	return v
}

func decimalParam(params map[string]any, key string, def decimal.Decimal) decimal.Decimal {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n)
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return def
		}
		return d
	default:
		return def
	}
}
