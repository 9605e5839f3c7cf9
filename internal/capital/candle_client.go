package capital

import (
	"context"
	"time"

	"github.com/aristath/cryptosentinel/internal/bus"
)

// candleRequest/candleReply mirror the wire shape the Exchange Connector's
// reconcile/candle Responder answers with (internal/exchange/connector.go).
type candleRequest struct {
	Period int `json:"period"`
}

type candleReply struct {
	Highs  []float64 `json:"highs"`
	Lows   []float64 `json:"lows"`
	Closes []float64 `json:"closes"`
}

// BusCandleSource implements CandleSource over a synchronous bus
// request/reply round trip, fetching recent candles via the connector.
// Direct component-to-component calls are disallowed, so the fetch still
// rides the bus instead of an RPC to the connector process.
type BusCandleSource struct {
	requester *bus.Requester
	timeout   time.Duration
}

// NewBusCandleSource subscribes a Requester to the candle-reply pattern.
// Construct once per Capital Manager process.
func NewBusCandleSource(ctx context.Context, b bus.Bus, timeout time.Duration) (*BusCandleSource, error) {
	requester, err := bus.NewRequester(ctx, b, bus.CandlesReplyPattern())
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BusCandleSource{requester: requester, timeout: timeout}, nil
}

func (c *BusCandleSource) RecentCandles(ctx context.Context, exchange, symbol string, period int) (highs, lows, closes []float64, err error) {
	var reply candleReply
	if err := c.requester.Call(ctx, bus.CandlesRequestKey(exchange, symbol), candleRequest{Period: period}, &reply, c.timeout); err != nil {
		return nil, nil, nil, err
	}
	return reply.Highs, reply.Lows, reply.Closes, nil
}

var _ CandleSource = (*BusCandleSource)(nil)
