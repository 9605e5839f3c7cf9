package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/engine"
	"github.com/aristath/cryptosentinel/internal/faults"
	"github.com/aristath/cryptosentinel/internal/metrics"
	"github.com/aristath/cryptosentinel/internal/storage"
)

// Connector wires the REST client, market-data stream, rate limiter, and
// price cache for one exchange to the bus. It is the only component that
// talks to external exchanges.
type Connector struct {
	exchange string
	rest     RESTClient
	stream   *MarketStream
	limiter  *RateLimiter
	cache    *PriceCache
	trades   *storage.TradeRepository
	b        bus.Bus
	dryRun   bool
	ready    *bus.ReadinessGate
	log      zerolog.Logger
}

// NewConnector constructs a Connector for one exchange. symbols drives the
// market-data websocket subscription list.
func NewConnector(exchangeName, wsURL string, rest RESTClient, limiter *RateLimiter, cache *PriceCache, trades *storage.TradeRepository, b bus.Bus, symbols []string, dryRun bool, log zerolog.Logger) *Connector {
	c := &Connector{
		exchange: exchangeName,
		rest:     rest,
		limiter:  limiter,
		cache:    cache,
		trades:   trades,
		b:        b,
		dryRun:   dryRun,
		ready:    bus.NewReadinessGate(),
		log:      log.With().Str("component", "connector").Str("exchange", exchangeName).Logger(),
	}
	c.stream = NewMarketStream(exchangeName, wsURL, symbols, rest, c.onTick, log)
	return c
}

// onTick normalizes a market-data tick into the cache and onto the bus.
func (c *Connector) onTick(symbol string, price decimal.Decimal, ts time.Time) {
	c.cache.Set(symbol, price)
	_ = c.b.Publish(context.Background(), bus.MarketDataKey(c.exchange, symbol), map[string]any{
		"exchange":  c.exchange,
		"symbol":    symbol,
		"price":     price.String(),
		"timestamp": ts,
	})
}

// Start subscribes to commands.execute_trade and the synchronous reconcile
// -snapshot / candle-query request patterns, and starts the market-data
// stream.
func (c *Connector) Start(ctx context.Context) error {
	c.stream.Start(ctx)

	if err := c.ready.Subscribe(ctx, c.b); err != nil {
		return fmt.Errorf("exchange: subscribe readiness gate: %w", err)
	}

	if err := c.b.Subscribe(ctx, bus.PrefixCommandsExecute, 32, c.onExecuteTrade); err != nil {
		return fmt.Errorf("exchange: subscribe commands.execute_trade: %w", err)
	}

	if _, err := bus.NewResponder(ctx, c.b, bus.ReconcileSnapshotRequestKey(c.exchange), bus.ReconcileSnapshotReplyKey, c.onSnapshotRequest); err != nil {
		return fmt.Errorf("exchange: responder for reconcile snapshot: %w", err)
	}

	if _, err := bus.NewResponder(ctx, c.b, bus.OrderStatusRequestKey(c.exchange), bus.OrderStatusReplyKey, c.onOrderStatusRequest); err != nil {
		return fmt.Errorf("exchange: responder for order status: %w", err)
	}

	if _, err := bus.NewResponder(ctx, c.b, bus.CandlesRequestKey(c.exchange, "*"), func(requestKey string) string {
		return replyKeyForCandlesRequest(requestKey)
	}, c.onCandlesRequest); err != nil {
		return fmt.Errorf("exchange: responder for candle requests: %w", err)
	}

	go c.rateLimitSaturationSweep(ctx)

	return nil
}

func (c *Connector) Stop() {
	c.stream.Stop()
}

// replyKeyForCandlesRequest swaps the request.capital.candles.<exchange>.<symbol>
// prefix for events.capital.candles.<exchange>.<symbol>, preserving the
// dynamic exchange/symbol suffix the Responder received.
func replyKeyForCandlesRequest(requestKey string) string {
	suffix := requestKey[len(bus.PrefixRequestCandles):]
	return bus.PrefixEventsCandles + suffix
}

func (c *Connector) onExecuteTrade(ctx context.Context, msg bus.Message) error {
	var cmd domain.ExecuteTradeCommand
	if err := msg.Unmarshal(&cmd); err != nil {
		return fmt.Errorf("exchange: decode execute_trade command: %w", err)
	}

	if cmd.Exchange != c.exchange {
		return nil // not ours; another connector process owns this exchange.
	}

	if allowed, reason := c.ready.Allowed(); !allowed {
		return fmt.Errorf("exchange: refusing commands.execute_trade: %s", reason)
	}

	if c.dryRun {
		return c.executeDryRun(ctx, cmd)
	}
	return c.execute(ctx, cmd)
}

// executeDryRun synthesizes an immediate fill at the last cached price
// instead of calling the exchange, for the dry_run toggle.
func (c *Connector) executeDryRun(ctx context.Context, cmd domain.ExecuteTradeCommand) error {
	price, ok := c.cache.Get(cmd.Symbol)
	if !ok {
		if cmd.Price != nil {
			price = *cmd.Price
		} else {
			price = decimal.Zero
		}
	}

	trade := &domain.Trade{
		StrategyID:      cmd.StrategyID,
		Exchange:        cmd.Exchange,
		Symbol:          cmd.Symbol,
		ExchangeOrderID: "dryrun-" + cmd.ProposalID,
		Type:            cmd.Type,
		Side:            cmd.Side,
		Amount:          cmd.Amount,
		Price:           cmd.Price,
		FilledAmount:    cmd.Amount,
		AvgFillPrice:    &price,
		Status:          domain.TradeStatusFilled,
		ProposalID:      cmd.ProposalID,
		ReservationID:   &cmd.ReservationID,
	}
	if _, err := c.trades.Save(ctx, trade); err != nil {
		return fmt.Errorf("exchange: save dry-run trade: %w", err)
	}

	return c.b.Publish(ctx, bus.PrefixEventsExecuted, domain.TradeExecutedEvent{
		ProposalID:      cmd.ProposalID,
		ExchangeOrderID: trade.ExchangeOrderID,
		StrategyID:      cmd.StrategyID,
		Exchange:        cmd.Exchange,
		Symbol:          cmd.Symbol,
		Side:            cmd.Side,
		FilledAmount:    cmd.Amount,
		AvgFillPrice:    price,
		Fee:             decimal.Zero,
		ReservationID:   cmd.ReservationID,
	})
}

// execute places the order, persists the trade row with the status the
// exchange acknowledged (submitted when the ack carries none) immediately
// after the exchange accepts it, then classifies the outcome.
func (c *Connector) execute(ctx context.Context, cmd domain.ExecuteTradeCommand) error {
	// Idempotency: check order status under this proposal_id before placing,
	// in case this is a redelivery.
	if existing, err := c.trades.GetByProposalID(ctx, cmd.ProposalID); err == nil && existing != nil {
		c.log.Info().Str("proposal_id", cmd.ProposalID).Msg("execute_trade already recorded, skipping duplicate")
		return nil
	}

	req := OrderRequest{
		ClientOrderID: cmd.ProposalID,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		Type:          cmd.Type,
		Amount:        cmd.Amount,
		Price:         cmd.Price,
	}

	ack, err := c.placeWithRetry(ctx, req)
	if err != nil {
		return c.fail(ctx, cmd, err)
	}

	status := ack.Status
	if status == "" {
		status = domain.TradeStatusSubmitted
	}
	trade := &domain.Trade{
		StrategyID:      cmd.StrategyID,
		Exchange:        cmd.Exchange,
		Symbol:          cmd.Symbol,
		ExchangeOrderID: ack.ExchangeOrderID,
		Type:            cmd.Type,
		Side:            cmd.Side,
		Amount:          cmd.Amount,
		Price:           cmd.Price,
		FilledAmount:    ack.FilledAmount,
		Status:          status,
		ProposalID:      cmd.ProposalID,
		ReservationID:   &cmd.ReservationID,
	}
	if status.Terminal() {
		trade.AvgFillPrice = &ack.AvgFillPrice
		trade.Fee = &ack.Fee
	}
	if _, err := c.trades.Save(ctx, trade); err != nil {
		return fmt.Errorf("exchange: save submitted trade: %w", err)
	}

	if !status.Terminal() {
		// Open/partial: the periodic reconciliation sweep will observe the
		// eventual terminal state if this process restarts before it arrives.
		return nil
	}

	return c.b.Publish(ctx, bus.PrefixEventsExecuted, domain.TradeExecutedEvent{
		ProposalID:      cmd.ProposalID,
		ExchangeOrderID: ack.ExchangeOrderID,
		StrategyID:      cmd.StrategyID,
		Exchange:        cmd.Exchange,
		Symbol:          cmd.Symbol,
		Side:            cmd.Side,
		FilledAmount:    ack.FilledAmount,
		AvgFillPrice:    ack.AvgFillPrice,
		Fee:             ack.Fee,
		ReservationID:   cmd.ReservationID,
	})
}

// placeWithRetry places an order, retrying transient exchange/rate-limit
// faults with jitter up to a bounded number of attempts.
func (c *Connector) placeWithRetry(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ack, err := c.rest.PlaceOrder(ctx, req)
		if err == nil {
			return ack, nil
		}
		lastErr = err

		var f *faults.Fault
		if !errors.As(err, &f) || !f.Kind.Retryable() {
			return nil, err
		}

		delay := time.Duration(attempt) * 500 * time.Millisecond
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Connector) fail(ctx context.Context, cmd domain.ExecuteTradeCommand, err error) error {
	kind := string(faults.InternalBug)
	var f *faults.Fault
	if errors.As(err, &f) {
		kind = string(f.Kind)
	}

	c.log.Warn().Err(err).Str("proposal_id", cmd.ProposalID).Msg("order placement failed")

	return c.b.Publish(ctx, bus.PrefixEventsFailed, domain.TradeFailedEvent{
		ProposalID:    cmd.ProposalID,
		StrategyID:    cmd.StrategyID,
		ReservationID: cmd.ReservationID,
		Kind:          kind,
		Reason:        err.Error(),
	})
}

// onSnapshotRequest answers the Core Engine's state reconciliation
// exchange-truth query over the bus.
func (c *Connector) onSnapshotRequest(ctx context.Context, requestKey string, payload json.RawMessage) (any, error) {
	orders, err := c.rest.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := c.rest.Positions(ctx)
	if err != nil {
		return nil, err
	}

	truth := engine.ExchangeTruth{Exchange: c.exchange}
	for _, o := range orders {
		truth.OpenOrders = append(truth.OpenOrders, engine.ExchangeOrder{
			ExchangeOrderID: o.ExchangeOrderID,
			Status:          o.Status,
			FilledAmount:    o.FilledAmount,
			AvgFillPrice:    o.AvgFillPrice,
			Fee:             o.Fee,
		})
	}
	for _, p := range positions {
		truth.OpenPositions = append(truth.OpenPositions, engine.ExchangePosition{
			Symbol: p.Symbol,
			Size:   p.Size,
			Entry:  p.Entry,
		})
	}
	return truth, nil
}

// onOrderStatusRequest answers the reconciler's per-order lookup for a
// DB-open order absent from the bulk snapshot's open-orders list (spec §4.7
// Case A): the reconciler cannot tell a missed fill from a truly stale order
// without asking the exchange about that one client_order_id directly. A
// permanent exchange fault (order unknown to the exchange) is reported back
// as "not found" rather than an error, so the reconciler can fall through to
// Case C instead of aborting the whole run.
func (c *Connector) onOrderStatusRequest(ctx context.Context, requestKey string, payload json.RawMessage) (any, error) {
	var req struct {
		ClientOrderID string `json:"client_order_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	ack, err := c.rest.OrderStatus(ctx, req.ClientOrderID)
	if err != nil {
		if faults.Is(err, faults.ExchangePermanent) {
			return engine.OrderStatusReply{Found: false}, nil
		}
		return nil, err
	}

	return engine.OrderStatusReply{
		Found: true,
		Order: engine.ExchangeOrder{
			ExchangeOrderID: ack.ExchangeOrderID,
			Status:          ack.Status,
			FilledAmount:    ack.FilledAmount,
			AvgFillPrice:    ack.AvgFillPrice,
			Fee:             ack.Fee,
		},
	}, nil
}

// onCandlesRequest answers the Capital Manager's recent-candle query for
// VolatilityAdjusted sizing's ATR computation.
func (c *Connector) onCandlesRequest(ctx context.Context, requestKey string, payload json.RawMessage) (any, error) {
	var req struct {
		Period int `json:"period"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	symbol := symbolFromCandlesRequestKey(requestKey)
	candles, err := c.rest.RecentCandles(ctx, symbol, req.Period)
	if err != nil {
		return nil, err
	}

	reply := struct {
		Highs  []float64 `json:"highs"`
		Lows   []float64 `json:"lows"`
		Closes []float64 `json:"closes"`
	}{}
	for _, cd := range candles {
		reply.Highs = append(reply.Highs, cd.High)
		reply.Lows = append(reply.Lows, cd.Low)
		reply.Closes = append(reply.Closes, cd.Close)
	}
	return reply, nil
}

func symbolFromCandlesRequestKey(requestKey string) string {
	suffix := requestKey[len(bus.PrefixRequestCandles)+1:] // drop "request.capital.candles."
	for i := len(suffix) - 1; i >= 0; i-- {
		if suffix[i] == '.' {
			return suffix[i+1:]
		}
	}
	return suffix
}

// rateLimitSaturationSweep periodically checks every configured endpoint
// bucket and raises alerts.ratelimit.saturated when one is empty.
func (c *Connector) rateLimitSaturationSweep(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, endpoint := range c.limiter.Endpoints() {
				metrics.RateLimitTokens.WithLabelValues(c.exchange, endpoint).Set(c.limiter.Tokens(endpoint))
				if c.limiter.Saturated(endpoint) {
					_ = c.b.Publish(ctx, bus.AlertKey("ratelimit.saturated"), map[string]any{
						"exchange": c.exchange,
						"endpoint": endpoint,
					})
				}
			}
		}
	}
}
