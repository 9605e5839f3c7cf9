package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// TradeRepository persists the order journal.
type TradeRepository struct {
	BaseRepository
}

func NewTradeRepository(db *DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{BaseRepository: NewBase(db, log.With().Str("repo", "trade").Logger())}
}

// Save inserts a trade, or returns the existing row unchanged if one with the
// same (exchange, exchange_order_id) already exists — the idempotency key the
// connector relies on when a command is redelivered.
func (r *TradeRepository) Save(ctx context.Context, t *domain.Trade) (*domain.Trade, error) {
	row := r.DB().QueryRowContext(ctx, `
		INSERT INTO trades (strategy_id, exchange, symbol, exchange_order_id, type, side, amount, price,
			filled_amount, avg_fill_price, fee, status, proposal_id, reservation_id, origin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (exchange, exchange_order_id) DO UPDATE SET exchange = EXCLUDED.exchange
		RETURNING id, strategy_id, exchange, symbol, exchange_order_id, type, side, amount, price,
			filled_amount, avg_fill_price, fee, status, proposal_id, reservation_id, origin, created_at, updated_at`,
		t.StrategyID, t.Exchange, t.Symbol, t.ExchangeOrderID, t.Type, t.Side, t.Amount, t.Price,
		t.FilledAmount, t.AvgFillPrice, t.Fee, t.Status, t.ProposalID, t.ReservationID, t.Origin)

	return scanTrade(row)
}

// UpdateStatus advances a trade's status, rejecting any transition the
// order-status machine forbids.
func (r *TradeRepository) UpdateStatus(ctx context.Context, tradeID int64, next domain.TradeStatus, filledAmount decimal.Decimal, avgFillPrice *decimal.Decimal, fee *decimal.Decimal) error {
	tx, err := r.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin status tx: %w", err)
	}
	defer tx.Rollback()

	var current domain.TradeStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM trades WHERE id = $1 FOR UPDATE`, tradeID).Scan(&current); err != nil {
		return fmt.Errorf("storage: lock trade %d: %w", tradeID, err)
	}

	if !current.CanTransition(next) {
		return fmt.Errorf("storage: illegal trade status transition %s -> %s for trade %d", current, next, tradeID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trades SET status = $1, filled_amount = $2, avg_fill_price = $3, fee = $4, updated_at = now()
		WHERE id = $5`, next, filledAmount, avgFillPrice, fee, tradeID); err != nil {
		return fmt.Errorf("storage: update trade %d status: %w", tradeID, err)
	}

	return tx.Commit()
}

func (r *TradeRepository) GetByProposalID(ctx context.Context, proposalID string) (*domain.Trade, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT id, strategy_id, exchange, symbol, exchange_order_id, type, side, amount, price,
			filled_amount, avg_fill_price, fee, status, proposal_id, reservation_id, origin, created_at, updated_at
		FROM trades WHERE proposal_id = $1`, proposalID)
	return scanTrade(row)
}

// OpenOrders returns every trade not yet in a terminal status, the exchange
// -connector side of the State Reconciliation Protocol's DB-truth snapshot
//.
func (r *TradeRepository) OpenOrders(ctx context.Context) ([]domain.Trade, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, strategy_id, exchange, symbol, exchange_order_id, type, side, amount, price,
			filled_amount, avg_fill_price, fee, status, proposal_id, reservation_id, origin, created_at, updated_at
		FROM trades WHERE status NOT IN ($1, $2, $3, $4)`,
		domain.TradeStatusFilled, domain.TradeStatusCanceled, domain.TradeStatusRejected, domain.TradeStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("storage: open orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		t, err := scanTradeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ClosedTradeReturns returns the signed fractional return of the most recent
// limit closed (filled) trades for a strategy, oldest first, for the Kelly
// sizing model's p/R estimation.
func (r *TradeRepository) ClosedTradeReturns(ctx context.Context, strategyID int64, limit int) ([]float64, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT side, price, avg_fill_price FROM trades
		WHERE strategy_id = $1 AND status = $2 AND price IS NOT NULL AND avg_fill_price IS NOT NULL
		ORDER BY updated_at DESC LIMIT $3`, strategyID, domain.TradeStatusFilled, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: closed trade returns for strategy %d: %w", strategyID, err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var side domain.Side
		var signalPrice, fillPrice decimal.Decimal
		if err := rows.Scan(&side, &signalPrice, &fillPrice); err != nil {
			return nil, err
		}
		if signalPrice.IsZero() {
			continue
		}
		ret := fillPrice.Sub(signalPrice).Div(signalPrice)
		if side == domain.SideSell {
			ret = ret.Neg()
		}
		f, _ := ret.Float64()
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanTrade(row *sql.Row) (*domain.Trade, error) {
	var t domain.Trade
	if err := row.Scan(&t.ID, &t.StrategyID, &t.Exchange, &t.Symbol, &t.ExchangeOrderID, &t.Type, &t.Side, &t.Amount, &t.Price,
		&t.FilledAmount, &t.AvgFillPrice, &t.Fee, &t.Status, &t.ProposalID, &t.ReservationID, &t.Origin, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("storage: scan trade: %w", err)
	}
	return &t, nil
}

func scanTradeRows(rows *sql.Rows) (*domain.Trade, error) {
	var t domain.Trade
	if err := rows.Scan(&t.ID, &t.StrategyID, &t.Exchange, &t.Symbol, &t.ExchangeOrderID, &t.Type, &t.Side, &t.Amount, &t.Price,
		&t.FilledAmount, &t.AvgFillPrice, &t.Fee, &t.Status, &t.ProposalID, &t.ReservationID, &t.Origin, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("storage: scan trade: %w", err)
	}
	return &t, nil
}
