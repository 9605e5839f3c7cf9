package capital

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/domain"
)

func TestSizeFixedFractionalRequiresStopLoss(t *testing.T) {
	_, err := Size(domain.SizingFixedFractional, SizingInputs{
		AvailableCapital: decimal.NewFromInt(1000),
		SignalPrice:      decimal.NewFromInt(100),
	})
	if err == nil {
		t.Fatal("expected an error without a stop-loss price")
	}
}

func TestSizeFixedFractionalComputesSize(t *testing.T) {
	stop := decimal.NewFromInt(95)
	notional, err := Size(domain.SizingFixedFractional, SizingInputs{
		AvailableCapital: decimal.NewFromInt(1000),
		SignalPrice:      decimal.NewFromInt(100),
		StopLossPrice:    &stop,
		RiskPct:          0.01,
	})
	if err != nil {
		t.Fatal(err)
	}
	// risk = 1000 * 0.01 = 10; distance = 5; size = 2
	if !notional.Equal(decimal.NewFromInt(2)) {
		t.Errorf("got %s, want 2", notional)
	}
}

func TestSizeKellyRequiresMinimumSamples(t *testing.T) {
	_, err := Size(domain.SizingKelly, SizingInputs{
		AvailableCapital:   decimal.NewFromInt(1000),
		ClosedTradeReturns: []float64{0.1, -0.05},
	})
	if err == nil {
		t.Fatal("expected an error with fewer than 5 samples")
	}
}

func TestSizeKellyAppliesSafetyCap(t *testing.T) {
	notional, err := Size(domain.SizingKelly, SizingInputs{
		AvailableCapital:   decimal.NewFromInt(1000),
		ClosedTradeReturns: []float64{0.2, 0.2, 0.2, 0.2, -0.01},
		KellyFraction:      1,
		KellySafetyCap:     0.05,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !notional.Equal(decimal.NewFromInt(50)) {
		t.Errorf("got %s, want 50 (capped at 5%% of 1000)", notional)
	}
}

func TestSizeVolatilityAdjustedRequiresATR(t *testing.T) {
	_, err := Size(domain.SizingVolatilityAdjusted, SizingInputs{
		AvailableCapital: decimal.NewFromInt(1000),
	})
	if err == nil {
		t.Fatal("expected an error without ATR")
	}
}
