package capital

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/storage"
	"github.com/aristath/cryptosentinel/internal/strategy/indicators"
)

// CandleSource supplies recent OHLC history for VolatilityAdjusted sizing;
// implemented by a thin exchange-connector client so the Manager never talks
// to an exchange directly.
type CandleSource interface {
	RecentCandles(ctx context.Context, exchange, symbol string, period int) (highs, lows, closes []float64, err error)
}

// Manager is the Capital Manager. It is the only component that may publish
// commands.execute_trade.
type Manager struct {
	bus         bus.Bus
	portfolios  *storage.PortfolioRepository
	strategies  *storage.StrategyRepository
	positions   *storage.PositionRepository
	trades      *storage.TradeRepository
	candles     CandleSource
	kellySafety float64
	ready       *bus.ReadinessGate
	log         zerolog.Logger
}

func NewManager(b bus.Bus, portfolios *storage.PortfolioRepository, strategies *storage.StrategyRepository, positions *storage.PositionRepository, trades *storage.TradeRepository, candles CandleSource, kellySafetyCap float64, log zerolog.Logger) *Manager {
	return &Manager{
		bus:         b,
		portfolios:  portfolios,
		strategies:  strategies,
		positions:   positions,
		trades:      trades,
		candles:     candles,
		kellySafety: kellySafetyCap,
		ready:       bus.NewReadinessGate(),
		log:         log.With().Str("component", "capital_manager").Logger(),
	}
}

// Run wires the readiness gate to system.ready/emergency_halt, subscribes to
// every strategy's proposal stream, and subscribes to the trade settlement
// events (spec §4.4) that release a reservation and post the fill to the
// position ledger once the connector reports an outcome.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.ready.Subscribe(ctx, m.bus); err != nil {
		return fmt.Errorf("capital: subscribe readiness gate: %w", err)
	}
	if err := m.bus.Subscribe(ctx, "request.capital.allocation.*", 64, m.handleProposal); err != nil {
		return fmt.Errorf("capital: subscribe proposals: %w", err)
	}
	if err := m.bus.Subscribe(ctx, bus.PrefixEventsExecuted, 64, m.handleTradeExecuted); err != nil {
		return fmt.Errorf("capital: subscribe trade_executed: %w", err)
	}
	return m.bus.Subscribe(ctx, bus.PrefixEventsFailed, 64, m.handleTradeFailed)
}

// handleTradeExecuted settles a fill: it releases the reservation the
// proposal held and posts the fill to the position ledger. Idempotent on
// proposal_id — a trade already marked filled means a prior delivery (or the
// reconciliation sweep) already applied this fill, so replaying the event is
// a no-op rather than double-counting the position update.
func (m *Manager) handleTradeExecuted(ctx context.Context, msg bus.Message) error {
	var evt domain.TradeExecutedEvent
	if err := msg.Unmarshal(&evt); err != nil {
		return fmt.Errorf("capital: decode trade_executed event: %w", err)
	}

	trade, err := m.trades.GetByProposalID(ctx, evt.ProposalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			m.log.Warn().Str("proposal_id", evt.ProposalID).Msg("trade_executed event for unknown proposal, releasing reservation only")
			return m.portfolios.ReleaseReservation(ctx, evt.ReservationID)
		}
		return fmt.Errorf("capital: load trade for proposal %s: %w", evt.ProposalID, err)
	}

	if trade.Status == domain.TradeStatusFilled {
		return nil
	}

	if err := m.trades.UpdateStatus(ctx, trade.ID, domain.TradeStatusFilled, evt.FilledAmount, &evt.AvgFillPrice, &evt.Fee); err != nil {
		return fmt.Errorf("capital: mark trade %d filled: %w", trade.ID, err)
	}

	sizeDelta := evt.FilledAmount
	if evt.Side == domain.SideSell {
		sizeDelta = sizeDelta.Neg()
	}
	if _, err := m.positions.Upsert(ctx, evt.StrategyID, evt.Exchange, evt.Symbol, sizeDelta, evt.AvgFillPrice); err != nil {
		return fmt.Errorf("capital: upsert position for trade %d: %w", trade.ID, err)
	}

	return m.portfolios.ReleaseReservation(ctx, evt.ReservationID)
}

// handleTradeFailed releases the reservation a rejected or errored order
// command held. The trade row itself may not exist yet if the connector
// never got far enough to save one, so a missing row is not an error — only
// the reservation needs to come back.
func (m *Manager) handleTradeFailed(ctx context.Context, msg bus.Message) error {
	var evt domain.TradeFailedEvent
	if err := msg.Unmarshal(&evt); err != nil {
		return fmt.Errorf("capital: decode trade_failed event: %w", err)
	}

	trade, err := m.trades.GetByProposalID(ctx, evt.ProposalID)
	switch {
	case err == nil:
		if !trade.Status.Terminal() {
			if uerr := m.trades.UpdateStatus(ctx, trade.ID, domain.TradeStatusFailed, trade.FilledAmount, trade.AvgFillPrice, trade.Fee); uerr != nil {
				return fmt.Errorf("capital: mark trade %d failed: %w", trade.ID, uerr)
			}
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("capital: load trade for proposal %s: %w", evt.ProposalID, err)
	}

	return m.portfolios.ReleaseReservation(ctx, evt.ReservationID)
}

func (m *Manager) handleProposal(ctx context.Context, msg bus.Message) error {
	var p domain.Proposal
	if err := msg.Unmarshal(&p); err != nil {
		return fmt.Errorf("capital: decode proposal: %w", err)
	}

	if err := m.process(ctx, p); err != nil {
		m.log.Warn().Err(err).Str("proposal_id", p.ProposalID).Msg("proposal rejected")
		return m.bus.Publish(ctx, bus.CapitalDeniedKey(p.StrategyID), domain.CapitalDeniedEvent{
			ProposalID: p.ProposalID,
			StrategyID: p.StrategyID,
			Reason:     err.Error(),
		})
	}
	return nil
}

// process implements the five-step allocation pipeline. The first failing
// step aborts and the caller publishes the denial event.
func (m *Manager) process(ctx context.Context, p domain.Proposal) error {
	strategy, err := m.strategies.Get(ctx, p.StrategyID)
	if err != nil {
		return fmt.Errorf("resolve strategy %d: %w", p.StrategyID, err)
	}

	portfolio, err := m.portfolios.Get(ctx, strategy.PortfolioID)
	if err != nil || !portfolio.IsActive {
		return fmt.Errorf("portfolio %d is missing or inactive", strategy.PortfolioID)
	}

	rules, err := m.portfolios.Rules(ctx, portfolio.ID)
	if err != nil {
		return fmt.Errorf("load rules for portfolio %d: %w", portfolio.ID, err)
	}

	sizingInputs, err := m.buildSizingInputs(ctx, *strategy, portfolio.AvailableCapital, p)
	if err != nil {
		return err
	}

	size, err := Size(strategy.PositionSizingConfig.Model, sizingInputs)
	if err != nil {
		return fmt.Errorf("size position: %w", err)
	}

	notional, quantity, err := notionalAndQuantity(strategy.PositionSizingConfig.Model, size, p.SignalPrice)
	if err != nil {
		return fmt.Errorf("derive notional: %w", err)
	}

	openNotional, err := m.openNotional(ctx, portfolio.ID)
	if err != nil {
		return fmt.Errorf("compute open notional: %w", err)
	}

	currentSize := decimal.Zero
	if pos, err := m.positions.Get(ctx, strategy.ID, strategy.Exchange, strategy.Symbol); err != nil {
		return fmt.Errorf("load current position: %w", err)
	} else if pos != nil {
		currentSize = pos.CurrentSize
	}

	realizedPnL24h, err := m.positions.RealizedPnL24h(ctx, portfolio.ID)
	if err != nil {
		return fmt.Errorf("load realized pnl 24h for portfolio %d: %w", portfolio.ID, err)
	}

	rc := RuleContext{
		Portfolio:           *portfolio,
		Proposal:            p,
		ProposedNotional:    notional,
		OpenNotional:        openNotional,
		RealizedPnL24h:      realizedPnL24h,
		CurrentPositionSize: currentSize,
	}
	if allowed, reason := EvaluateChain(rc, rules); !allowed {
		return fmt.Errorf("%s", reason)
	}

	if allowed, reason := m.ready.Allowed(); !allowed {
		return fmt.Errorf("%s", reason)
	}

	reservation, err := m.portfolios.ReserveCapital(ctx, portfolio.ID, strategy.ID, notional, p.ProposalID)
	if err != nil {
		return fmt.Errorf("reserve capital: %w", err)
	}

	cmd := domain.ExecuteTradeCommand{
		ProposalID:    p.ProposalID,
		StrategyID:    strategy.ID,
		Exchange:      strategy.Exchange,
		Symbol:        strategy.Symbol,
		Side:          p.Side,
		Type:          "market",
		Amount:        quantity,
		ReservationID: reservation.ID,
	}
	if err := m.bus.Publish(ctx, bus.PrefixCommandsExecute, cmd); err != nil {
		// The reservation must not be left dangling if the command never went
		// out; release it and surface the failure.
		_ = m.portfolios.ReleaseReservation(ctx, reservation.ID)
		return fmt.Errorf("publish execute_trade command: %w", err)
	}

	return nil
}

// notionalAndQuantity reconciles the two sizing conventions spec'd for the
// three models: FixedFractional and VolatilityAdjusted derive a base-asset
// quantity straight off the stop-loss/ATR distance, while Kelly derives a
// dollar allocation off available_capital directly. Rule checks and
// reservations are notional (quote-currency) throughout; the execute_trade
// command needs a base-asset quantity, so whichever side Size didn't already
// give us is recovered via the signal price.
func notionalAndQuantity(model domain.SizingModel, size, price decimal.Decimal) (notional, quantity decimal.Decimal, err error) {
	if price.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("signal price is zero")
	}
	if model == domain.SizingKelly {
		return size, size.Div(price), nil
	}
	return size.Mul(price), size, nil
}

func (m *Manager) buildSizingInputs(ctx context.Context, strategy domain.Strategy, available decimal.Decimal, p domain.Proposal) (SizingInputs, error) {
	in := SizingInputs{
		AvailableCapital: available,
		SignalPrice:      p.SignalPrice,
		StopLossPrice:    p.StopLossPrice,
		RiskPct:          floatParam(strategy.PositionSizingConfig.Params, "risk_pct", 0.01),
		KellyFraction:    floatParam(strategy.PositionSizingConfig.Params, "kelly_fraction", 0.5),
		KellySafetyCap:   m.kellySafety,
	}

	switch strategy.PositionSizingConfig.Model {
	case domain.SizingVolatilityAdjusted:
		period := intParam(strategy.PositionSizingConfig.Params, "atr_period", 14)
		highs, lows, closes, err := m.candles.RecentCandles(ctx, strategy.Exchange, strategy.Symbol, period)
		if err != nil {
			return in, fmt.Errorf("fetch candles for ATR: %w", err)
		}
		in.ATR = atrFrom(highs, lows, closes, period)
		in.ATRMultiplier = floatParam(strategy.PositionSizingConfig.Params, "atr_multiplier", 2)
	case domain.SizingKelly:
		returns, err := m.trades.ClosedTradeReturns(ctx, strategy.ID, 50)
		if err != nil {
			return in, fmt.Errorf("load closed trade returns: %w", err)
		}
		in.ClosedTradeReturns = returns
	}

	return in, nil
}

func (m *Manager) openNotional(ctx context.Context, portfolioID int64) (decimal.Decimal, error) {
	strategies, err := m.strategies.ListActive(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, s := range strategies {
		if s.PortfolioID != portfolioID {
			continue
		}
		positions, err := m.positions.OpenPositions(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		for _, pos := range positions {
			if pos.StrategyID == s.ID {
				total = total.Add(pos.CurrentSize.Abs().Mul(pos.EntryPrice))
			}
		}
	}
	return total, nil
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func atrFrom(highs, lows, closes []float64, period int) *float64 {
	return indicators.ATR(highs, lows, closes, period)
}
