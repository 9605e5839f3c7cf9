package strategies

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/strategy"
)

// DCA buys a fixed quote-currency amount on every scheduler clock tick for
// its interval. It subscribes to a system.clock_tick routing key rather than
// market data: the Core Engine's cron scheduler is the sole producer of
// those ticks.
//
// Restart does not replay missed ticks. A worker that comes back up only
// ever sees the next tick the scheduler publishes, so a long outage yields
// exactly one catch-up buy rather than one per missed interval.
type DCA struct {
	Symbol      string
	Interval    string
	AmountQuote decimal.Decimal

	lastExecutedAt time.Time
}

func NewDCA(symbol, interval string, amountQuote decimal.Decimal) *DCA {
	return &DCA{Symbol: symbol, Interval: interval, AmountQuote: amountQuote}
}

func (d *DCA) RequiredSubscriptions() []string {
	return []string{bus.ClockTickKey(d.Interval)}
}

func (d *DCA) PopulateIndicators(history strategy.History) strategy.History {
	return history
}

func (d *DCA) OnData(latest strategy.Bar, history strategy.History) (*domain.Proposal, error) {
	tick := time.Unix(latest.Timestamp, 0).UTC()
	if !d.lastExecutedAt.IsZero() && !tick.After(d.lastExecutedAt) {
		return nil, nil
	}
	d.lastExecutedAt = tick

	return &domain.Proposal{
		Symbol:     d.Symbol,
		Side:       domain.SideBuy,
		Confidence: 1.0,
		StrategyParams: map[string]any{
			"dca_amount_quote": d.AmountQuote.String(),
			"interval":         d.Interval,
		},
	}, nil
}

func (d *DCA) Snapshot() (any, error) {
	return map[string]any{"last_executed_unix": d.lastExecutedAt.Unix()}, nil
}

func (d *DCA) Restore(snapshot any) error {
	m, ok := snapshot.(map[string]any)
	if !ok {
		return nil
	}
	unix, ok := m["last_executed_unix"]
	if !ok {
		return nil
	}
	switch v := unix.(type) {
	case int64:
		d.lastExecutedAt = time.Unix(v, 0).UTC()
	case uint64:
		d.lastExecutedAt = time.Unix(int64(v), 0).UTC()
	case int:
		d.lastExecutedAt = time.Unix(int64(v), 0).UTC()
	case float64:
		d.lastExecutedAt = time.Unix(int64(v), 0).UTC()
	}
	return nil
}

var _ strategy.BaseStrategy = (*DCA)(nil)
var _ strategy.Snapshotter = (*DCA)(nil)
