package domain

import "testing"

func TestTradeStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to TradeStatus
		want     bool
	}{
		{TradeStatusPending, TradeStatusSubmitted, true},
		{TradeStatusPending, TradeStatusFilled, false},
		{TradeStatusSubmitted, TradeStatusOpen, true},
		{TradeStatusOpen, TradeStatusPartial, true},
		{TradeStatusPartial, TradeStatusPartial, true},
		{TradeStatusPartial, TradeStatusFilled, true},
		{TradeStatusFilled, TradeStatusOpen, false},
		{TradeStatusCanceled, TradeStatusFilled, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTradeStatusTerminal(t *testing.T) {
	terminal := []TradeStatus{TradeStatusFilled, TradeStatusCanceled, TradeStatusRejected, TradeStatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []TradeStatus{TradeStatusPending, TradeStatusSubmitted, TradeStatusOpen, TradeStatusPartial}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
