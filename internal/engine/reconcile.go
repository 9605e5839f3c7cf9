package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/metrics"
	"github.com/aristath/cryptosentinel/internal/storage"
)

// ExchangeTruth is the connector-reported ground truth for one exchange:
// every open order and open position. Balances are not part of the snapshot.
type ExchangeTruth struct {
	Exchange      string
	OpenOrders    []ExchangeOrder
	OpenPositions []ExchangePosition
}

type ExchangeOrder struct {
	ExchangeOrderID string
	Symbol          string
	Status          domain.TradeStatus
	FilledAmount    decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
}

type ExchangePosition struct {
	Symbol string
	Size   decimal.Decimal
	Entry  decimal.Decimal
}

// OrderStatusReply is the connector's answer to a per-order status lookup:
// Found is false when the exchange has no record of the client order id at
// all (spec §4.7 Case C candidate), as opposed to Order.Status reporting a
// genuine terminal state (Case A).
type OrderStatusReply struct {
	Found bool
	Order ExchangeOrder
}

// ExchangeSnapshotter is implemented by the exchange connector client; the
// engine depends only on this narrow interface so it can be tested without a
// live connector.
type ExchangeSnapshotter interface {
	SnapshotTruth(ctx context.Context, exchange string) (ExchangeTruth, error)
	OrderStatus(ctx context.Context, exchange, clientOrderID string) (OrderStatusReply, error)
}

// Reconciler implements the state reconciliation protocol: it runs once,
// synchronously, before the engine will let any worker start or the
// connector accept commands, and again periodically to catch drift.
type Reconciler struct {
	trades      *storage.TradeRepository
	positions   *storage.PositionRepository
	portfolios  *storage.PortfolioRepository
	strategies  *storage.StrategyRepository
	snapshotter ExchangeSnapshotter
	publisher   bus.Publisher
	log         zerolog.Logger

	policyMu     sync.Mutex
	orphanPolicy string
}

func NewReconciler(trades *storage.TradeRepository, positions *storage.PositionRepository, portfolios *storage.PortfolioRepository, strategies *storage.StrategyRepository, snapshotter ExchangeSnapshotter, publisher bus.Publisher, orphanPolicy string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		trades:       trades,
		positions:    positions,
		portfolios:   portfolios,
		strategies:   strategies,
		snapshotter:  snapshotter,
		publisher:    publisher,
		orphanPolicy: orphanPolicy,
		log:          log.With().Str("component", "reconciler").Logger(),
	}
}

// Name satisfies Job, so the Reconciler can also be registered on the
// Scheduler for the periodic re-run.
func (r *Reconciler) Name() string { return "state_reconciliation" }

// OrphanPolicy returns the currently configured orphan-position policy
// ("adopt" or "freeze").
func (r *Reconciler) OrphanPolicy() string {
	r.policyMu.Lock()
	defer r.policyMu.Unlock()
	return r.orphanPolicy
}

// OverrideOrphanPolicy temporarily swaps the orphan policy for the duration
// of one manually triggered run (the reconcile_now operator command's
// explicit policy override, spec scenario 4), returning a func that restores
// the previous policy. A blank override leaves the configured policy
// unchanged.
func (r *Reconciler) OverrideOrphanPolicy(override string) (restore func()) {
	if override == "" {
		return func() {}
	}
	r.policyMu.Lock()
	previous := r.orphanPolicy
	r.orphanPolicy = override
	r.policyMu.Unlock()
	return func() {
		r.policyMu.Lock()
		r.orphanPolicy = previous
		r.policyMu.Unlock()
	}
}

func (r *Reconciler) Run(ctx context.Context) error {
	return r.Reconcile(ctx, r.exchanges(ctx))
}

func (r *Reconciler) exchanges(ctx context.Context) []string {
	strategies, err := r.strategies.ListActive(ctx)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range strategies {
		if !seen[s.Exchange] {
			seen[s.Exchange] = true
			out = append(out, s.Exchange)
		}
	}
	return out
}

// Reconcile runs the full five-step protocol across every exchange.
// Returning a non-nil error means the engine must refuse to start.
func (r *Reconciler) Reconcile(ctx context.Context, exchanges []string) error {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	dbOrders, err := r.trades.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: load db open orders: %w", err)
	}
	dbPositions, err := r.positions.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: load db open positions: %w", err)
	}

	for _, exchange := range exchanges {
		truth, err := r.snapshotter.SnapshotTruth(ctx, exchange)
		if err != nil {
			return fmt.Errorf("reconcile: snapshot exchange truth for %s: %w", exchange, err)
		}

		if err := r.reconcileOrders(ctx, exchange, truth, dbOrders); err != nil {
			return fmt.Errorf("reconcile: orders for %s: %w", exchange, err)
		}
		if err := r.reconcilePositions(ctx, exchange, truth, dbPositions); err != nil {
			return fmt.Errorf("reconcile: positions for %s: %w", exchange, err)
		}
	}

	if err := r.repairReservations(ctx); err != nil {
		return fmt.Errorf("reconcile: repair reservations: %w", err)
	}

	r.log.Info().Msg("state reconciliation complete")
	return nil
}

// reconcileOrders implements Case A (missing fills) and Case C (stale
// orders) for a single exchange.
func (r *Reconciler) reconcileOrders(ctx context.Context, exchange string, truth ExchangeTruth, dbOrders []domain.Trade) error {
	onExchange := make(map[string]ExchangeOrder, len(truth.OpenOrders))
	for _, o := range truth.OpenOrders {
		onExchange[o.ExchangeOrderID] = o
	}

	for _, t := range dbOrders {
		if t.Exchange != exchange {
			continue
		}

		live, stillOpen := onExchange[t.ExchangeOrderID]
		if stillOpen {
			continue // not a mismatch; in-flight orders are left untouched (periodic re-run safety)
		}

		// Missing from the bulk open-orders snapshot only tells us the order
		// is no longer open; it does not say whether it filled or vanished.
		// Ask the exchange about this one client order id directly before
		// deciding between Case A and Case C.
		reply, err := r.snapshotter.OrderStatus(ctx, exchange, t.ProposalID)
		if err != nil {
			return fmt.Errorf("query order status for trade %d: %w", t.ID, err)
		}

		// Case A: order closed on the exchange but still open in the DB means
		// we missed the terminal event.
		if reply.Found && reply.Order.Status == domain.TradeStatusFilled {
			if err := r.trades.UpdateStatus(ctx, t.ID, domain.TradeStatusFilled, reply.Order.FilledAmount, decimalPtr(reply.Order.AvgFillPrice), decimalPtr(reply.Order.Fee)); err != nil {
				return fmt.Errorf("repair missing fill for trade %d: %w", t.ID, err)
			}
			sizeDelta := reply.Order.FilledAmount
			if t.Side == domain.SideSell {
				sizeDelta = sizeDelta.Neg()
			}
			if _, err := r.positions.Upsert(ctx, t.StrategyID, t.Exchange, t.Symbol, sizeDelta, reply.Order.AvgFillPrice); err != nil {
				return fmt.Errorf("repair position for trade %d: %w", t.ID, err)
			}
			if t.ReservationID != nil {
				if err := r.portfolios.ReleaseReservation(ctx, *t.ReservationID); err != nil {
					return fmt.Errorf("release reservation for repaired trade %d: %w", t.ID, err)
				}
			}
			continue
		}

		// Case C: the exchange reports the order rejected/absent entirely.
		terminal := domain.TradeStatusCanceled
		if err := r.trades.UpdateStatus(ctx, t.ID, terminal, t.FilledAmount, t.AvgFillPrice, t.Fee); err != nil {
			r.log.Warn().Err(err).Int64("trade_id", t.ID).Msg("stale order already in a terminal state, skipping")
			continue
		}
		if t.ReservationID != nil {
			if err := r.portfolios.ReleaseReservation(ctx, *t.ReservationID); err != nil {
				return fmt.Errorf("release reservation for stale trade %d: %w", t.ID, err)
			}
		}
		r.log.Warn().Int64("trade_id", t.ID).Str("exchange_order_id", t.ExchangeOrderID).Msg("marked stale order canceled")
	}

	return nil
}

// reconcilePositions implements Case B (orphan positions).
func (r *Reconciler) reconcilePositions(ctx context.Context, exchange string, truth ExchangeTruth, dbPositions []domain.Position) error {
	known := make(map[string]bool, len(dbPositions))
	for _, p := range dbPositions {
		if p.Exchange == exchange {
			known[p.Symbol] = true
		}
	}

	for _, ep := range truth.OpenPositions {
		if known[ep.Symbol] || ep.Size.IsZero() {
			continue
		}

		_ = r.publisher.Publish(ctx, bus.AlertKey("reconcile.orphan_position"), map[string]any{
			"exchange": exchange,
			"symbol":   ep.Symbol,
			"size":     ep.Size.String(),
		})

		if r.OrphanPolicy() != "adopt" {
			r.log.Warn().Str("exchange", exchange).Str("symbol", ep.Symbol).Msg("orphan position frozen pending operator decision")
			continue
		}

		manual, err := r.strategies.ManualPseudoStrategy(ctx)
		if err != nil {
			return fmt.Errorf("adopt orphan position %s/%s: load manual pseudo-strategy: %w", exchange, ep.Symbol, err)
		}

		if _, err := r.positions.Upsert(ctx, manual.ID, exchange, ep.Symbol, ep.Size, ep.Entry); err != nil {
			return fmt.Errorf("adopt orphan position %s/%s: %w", exchange, ep.Symbol, err)
		}

		side := domain.SideBuy
		if ep.Size.IsNegative() {
			side = domain.SideSell
		}
		adopted := &domain.Trade{
			StrategyID:      manual.ID,
			Exchange:        exchange,
			Symbol:          ep.Symbol,
			ExchangeOrderID: "adopted-" + exchange + "-" + ep.Symbol,
			Type:            "market",
			Side:            side,
			Amount:          ep.Size.Abs(),
			FilledAmount:    ep.Size.Abs(),
			AvgFillPrice:    &ep.Entry,
			Status:          domain.TradeStatusFilled,
			ProposalID:      "adopted-" + exchange + "-" + ep.Symbol,
			Origin:          "reconcile_drift",
		}
		if _, err := r.trades.Save(ctx, adopted); err != nil {
			return fmt.Errorf("record adoption of orphan position %s/%s: %w", exchange, ep.Symbol, err)
		}
		r.log.Warn().Str("exchange", exchange).Str("symbol", ep.Symbol).Msg("adopted orphan position under manual pseudo-strategy")
	}

	return nil
}

// repairReservations implements step 4: recompute available_capital from
// total_capital minus the sum of still-open reservations, for every active
// portfolio.
func (r *Reconciler) repairReservations(ctx context.Context) error {
	portfolios, err := r.portfolios.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active portfolios: %w", err)
	}

	for _, p := range portfolios {
		open, err := r.portfolios.OpenReservations(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("open reservations for portfolio %d: %w", p.ID, err)
		}

		sum := decimal.Zero
		for _, res := range open {
			sum = sum.Add(res.Amount)
		}

		want := p.TotalCapital.Sub(sum)
		if !want.Equal(p.AvailableCapital) {
			r.log.Warn().Int64("portfolio_id", p.ID).Str("had", p.AvailableCapital.String()).Str("want", want.String()).Msg("repairing available_capital drift")
			if err := r.portfolios.SetAvailableCapital(ctx, p.ID, want); err != nil {
				return fmt.Errorf("repair available_capital drift for portfolio %d: %w", p.ID, err)
			}
		}
	}

	return nil
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
