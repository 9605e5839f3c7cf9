package capital

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// SizingInputs bundles everything a sizing model might need; not every model
// uses every field.
type SizingInputs struct {
	AvailableCapital decimal.Decimal
	SignalPrice      decimal.Decimal
	StopLossPrice    *decimal.Decimal
	ATR              *float64 // period-matched Average True Range, when available
	ATRMultiplier    float64
	RiskPct          float64
	ClosedTradeReturns []float64 // recent realized-return samples for this strategy
	KellyFraction    float64 // operator-configured fraction of full Kelly to take
	KellySafetyCap   float64 // global safety fraction ceiling
}

// Size dispatches on model and returns the position size to trade: a
// base-asset quantity for FixedFractional/VolatilityAdjusted, or a
// quote-currency notional for Kelly. Callers reconcile the two via
// notionalAndQuantity. Returns an error if the inputs required by that model
// are missing.
func Size(model domain.SizingModel, in SizingInputs) (decimal.Decimal, error) {
	switch model {
	case domain.SizingFixedFractional:
		return sizeFixedFractional(in)
	case domain.SizingVolatilityAdjusted:
		return sizeVolatilityAdjusted(in)
	case domain.SizingKelly:
		return sizeKelly(in)
	default:
		return decimal.Zero, fmt.Errorf("capital: unknown sizing model %q", model)
	}
}

func sizeFixedFractional(in SizingInputs) (decimal.Decimal, error) {
	if in.StopLossPrice == nil {
		return decimal.Zero, fmt.Errorf("capital: FixedFractional sizing requires a stop-loss price")
	}
	distance := in.SignalPrice.Sub(*in.StopLossPrice).Abs()
	if distance.IsZero() {
		return decimal.Zero, fmt.Errorf("capital: stop-loss distance is zero")
	}
	risk := in.AvailableCapital.Mul(decimal.NewFromFloat(in.RiskPct))
	return risk.Div(distance), nil
}

func sizeVolatilityAdjusted(in SizingInputs) (decimal.Decimal, error) {
	if in.ATR == nil {
		return decimal.Zero, fmt.Errorf("capital: VolatilityAdjusted sizing requires ATR")
	}
	k := in.ATRMultiplier
	if k <= 0 {
		k = 1
	}
	distance := decimal.NewFromFloat(*in.ATR * k)
	if distance.IsZero() {
		return decimal.Zero, fmt.Errorf("capital: ATR-derived stop distance is zero")
	}
	risk := in.AvailableCapital.Mul(decimal.NewFromFloat(in.RiskPct))
	return risk.Div(distance), nil
}

// sizeKelly derives p (win rate) and R (average win/loss ratio) from recent
// closed-trade returns via gonum/stat, applies the fractional-Kelly formula,
// then caps at the configured safety fraction.
func sizeKelly(in SizingInputs) (decimal.Decimal, error) {
	if len(in.ClosedTradeReturns) < 5 {
		return decimal.Zero, fmt.Errorf("capital: Kelly sizing requires at least 5 closed-trade samples, have %d", len(in.ClosedTradeReturns))
	}

	var wins, losses []float64
	for _, r := range in.ClosedTradeReturns {
		if r > 0 {
			wins = append(wins, r)
		} else if r < 0 {
			losses = append(losses, -r)
		}
	}
	if len(wins) == 0 || len(losses) == 0 {
		return decimal.Zero, fmt.Errorf("capital: Kelly sizing requires at least one win and one loss sample")
	}

	p := float64(len(wins)) / float64(len(in.ClosedTradeReturns))
	avgWin := stat.Mean(wins, nil)
	avgLoss := stat.Mean(losses, nil)
	if avgLoss == 0 {
		return decimal.Zero, fmt.Errorf("capital: average loss is zero, cannot derive R")
	}
	r := avgWin / avgLoss

	f := p - (1-p)/r
	if f < 0 || math.IsNaN(f) {
		f = 0
	}

	fraction := in.KellyFraction
	if fraction <= 0 {
		fraction = 1
	}
	applied := fraction * f
	if in.KellySafetyCap > 0 && applied > in.KellySafetyCap {
		applied = in.KellySafetyCap
	}

	return in.AvailableCapital.Mul(decimal.NewFromFloat(applied)), nil
}
