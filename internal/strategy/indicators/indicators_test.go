package indicators

import "testing"

func TestSMAInsufficientHistoryReturnsNil(t *testing.T) {
	if got := SMA([]float64{1, 2, 3}, 10); got != nil {
		t.Errorf("expected nil, got %v", *got)
	}
}

func TestSMAComputesOverWindow(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	got := SMA(closes, 5)
	if got == nil {
		t.Fatal("expected a value")
	}
	if *got != 3 {
		t.Errorf("got %v, want 3", *got)
	}
}

func TestATRInsufficientHistoryReturnsNil(t *testing.T) {
	if got := ATR([]float64{1, 2}, []float64{0.5, 1}, []float64{0.8, 1.5}, 14); got != nil {
		t.Errorf("expected nil, got %v", *got)
	}
}
