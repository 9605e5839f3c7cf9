package bus

import "testing"

func TestClassOf(t *testing.T) {
	cases := []struct {
		key  string
		want DeliveryClass
	}{
		{MarketDataKey("binance", "BTCUSDT"), ClassMarketData},
		{PrefixCommandsExecute, ClassCommand},
		{CapitalRequestKey(1), ClassCommand},
		{"events.trade_executed", ClassEvent},
		{CapitalDeniedKey(1), ClassEvent},
		{OperatorCommandKey("start_strategy"), ClassCommand},
		{AlertKey("ratelimit.saturated"), ClassObservability},
		{"system.log.engine", ClassObservability},
	}
	for _, c := range cases {
		if got := ClassOf(c.key); got != c.want {
			t.Errorf("ClassOf(%q) = %v, want %v", c.key, got, c.want)
		}
	}
}

func TestMarketDataKey(t *testing.T) {
	if got := MarketDataKey("binance", "BTCUSDT"); got != "market_data.binance.BTCUSDT" {
		t.Errorf("got %q", got)
	}
}

func TestTopicGroupsBySymbolWithinOneTopic(t *testing.T) {
	a := Topic(MarketDataKey("binance", "BTCUSDT"))
	b := Topic(MarketDataKey("binance", "ETHUSDT"))
	if a != b {
		t.Errorf("expected same topic for all market data, got %q vs %q", a, b)
	}
}
