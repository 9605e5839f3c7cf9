package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// PositionRepository persists the mutable current-holding view, reconstructed
// from trades + exchange fills.
type PositionRepository struct {
	BaseRepository
}

func NewPositionRepository(db *DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{BaseRepository: NewBase(db, log.With().Str("repo", "position").Logger())}
}

// Upsert atomically applies a fill delta to the (strategy, exchange, symbol)
// position, recomputing entry price as a size-weighted average on adds and
// realized P&L on reductions. size is signed: positive adds to a long,
// negative adds to a short.
func (r *PositionRepository) Upsert(ctx context.Context, strategyID int64, exchange, symbol string, sizeDelta, fillPrice decimal.Decimal) (*domain.Position, error) {
	tx, err := r.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin position tx: %w", err)
	}
	defer tx.Rollback()

	var pos domain.Position
	err = tx.QueryRowContext(ctx, `
		SELECT id, strategy_id, exchange, symbol, entry_price, current_size, unrealized_pnl, realized_pnl, is_open, updated_at
		FROM positions WHERE strategy_id = $1 AND exchange = $2 AND symbol = $3 FOR UPDATE`,
		strategyID, exchange, symbol).
		Scan(&pos.ID, &pos.StrategyID, &pos.Exchange, &pos.Symbol, &pos.EntryPrice, &pos.CurrentSize,
			&pos.UnrealizedPnL, &pos.RealizedPnL, &pos.IsOpen, &pos.UpdatedAt)

	switch {
	case err == sql.ErrNoRows:
		newSize := sizeDelta
		row := tx.QueryRowContext(ctx, `
			INSERT INTO positions (strategy_id, exchange, symbol, entry_price, current_size, is_open)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			RETURNING id, strategy_id, exchange, symbol, entry_price, current_size, unrealized_pnl, realized_pnl, is_open, updated_at`,
			strategyID, exchange, symbol, fillPrice, newSize)
		if err := row.Scan(&pos.ID, &pos.StrategyID, &pos.Exchange, &pos.Symbol, &pos.EntryPrice, &pos.CurrentSize,
			&pos.UnrealizedPnL, &pos.RealizedPnL, &pos.IsOpen, &pos.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: insert position: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("storage: lock position: %w", err)
	default:
		samesSide := pos.CurrentSize.Sign() == 0 || sameSign(pos.CurrentSize, sizeDelta)
		newSize := pos.CurrentSize.Add(sizeDelta)
		newEntry := pos.EntryPrice
		newRealized := pos.RealizedPnL
		realizedDelta := decimal.Zero

		if samesSide {
			// Weighted-average entry price on an add in the same direction.
			totalCost := pos.EntryPrice.Mul(pos.CurrentSize.Abs()).Add(fillPrice.Mul(sizeDelta.Abs()))
			totalSize := pos.CurrentSize.Abs().Add(sizeDelta.Abs())
			if !totalSize.IsZero() {
				newEntry = totalCost.Div(totalSize)
			}
		} else {
			// Reduction or flip: realize P&L on the portion closed at the old entry price.
			closed := decimal.Min(pos.CurrentSize.Abs(), sizeDelta.Abs())
			pnlPerUnit := fillPrice.Sub(pos.EntryPrice)
			if pos.CurrentSize.Sign() < 0 {
				pnlPerUnit = pos.EntryPrice.Sub(fillPrice)
			}
			realizedDelta = pnlPerUnit.Mul(closed)
			newRealized = newRealized.Add(realizedDelta)
			if newSize.Sign() != 0 && sameSign(newSize, sizeDelta) && !pos.CurrentSize.IsZero() && sizeDelta.Abs().GreaterThan(pos.CurrentSize.Abs()) {
				newEntry = fillPrice // flipped direction, new leg starts at fill price
			}
		}

		if !realizedDelta.IsZero() {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO realized_pnl_events (strategy_id, amount) VALUES ($1, $2)`,
				strategyID, realizedDelta); err != nil {
				return nil, fmt.Errorf("storage: record realized pnl event: %w", err)
			}
		}

		isOpen := !newSize.IsZero()
		row := tx.QueryRowContext(ctx, `
			UPDATE positions SET entry_price = $1, current_size = $2, realized_pnl = $3, is_open = $4, updated_at = now()
			WHERE id = $5
			RETURNING id, strategy_id, exchange, symbol, entry_price, current_size, unrealized_pnl, realized_pnl, is_open, updated_at`,
			newEntry, newSize, newRealized, isOpen, pos.ID)
		if err := row.Scan(&pos.ID, &pos.StrategyID, &pos.Exchange, &pos.Symbol, &pos.EntryPrice, &pos.CurrentSize,
			&pos.UnrealizedPnL, &pos.RealizedPnL, &pos.IsOpen, &pos.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: update position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit position tx: %w", err)
	}
	return &pos, nil
}

func sameSign(a, b decimal.Decimal) bool {
	return a.Sign() == b.Sign()
}

// Get returns the current position for (strategyID, exchange, symbol), or
// nil if none exists yet (an implicit flat/zero position).
func (r *PositionRepository) Get(ctx context.Context, strategyID int64, exchange, symbol string) (*domain.Position, error) {
	var pos domain.Position
	err := r.DB().QueryRowContext(ctx, `
		SELECT id, strategy_id, exchange, symbol, entry_price, current_size, unrealized_pnl, realized_pnl, is_open, updated_at
		FROM positions WHERE strategy_id = $1 AND exchange = $2 AND symbol = $3`,
		strategyID, exchange, symbol).
		Scan(&pos.ID, &pos.StrategyID, &pos.Exchange, &pos.Symbol, &pos.EntryPrice, &pos.CurrentSize,
			&pos.UnrealizedPnL, &pos.RealizedPnL, &pos.IsOpen, &pos.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get position for strategy %d %s/%s: %w", strategyID, exchange, symbol, err)
	}
	return &pos, nil
}

// OpenPositions returns every position with nonzero size, the exchange
// -connector's counterpart snapshot in the State Reconciliation Protocol
//.
func (r *PositionRepository) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, strategy_id, exchange, symbol, entry_price, current_size, unrealized_pnl, realized_pnl, is_open, updated_at
		FROM positions WHERE is_open`)
	if err != nil {
		return nil, fmt.Errorf("storage: open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.ID, &p.StrategyID, &p.Exchange, &p.Symbol, &p.EntryPrice, &p.CurrentSize,
			&p.UnrealizedPnL, &p.RealizedPnL, &p.IsOpen, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateUnrealized sets the mark-to-market P&L for an open position from the
// connector's latest price tick; it does not participate in the fill ledger
// and is not expected to be monotonic.
func (r *PositionRepository) UpdateUnrealized(ctx context.Context, positionID int64, unrealized decimal.Decimal) error {
	_, err := r.DB().ExecContext(ctx, `UPDATE positions SET unrealized_pnl = $1, updated_at = now() WHERE id = $2`, unrealized, positionID)
	if err != nil {
		return fmt.Errorf("storage: update unrealized pnl for position %d: %w", positionID, err)
	}
	return nil
}

// RealizedPnL24h sums the realized-PnL ledger for every strategy mapped to
// portfolioID over the trailing 24h, the MAX_DAILY_LOSS_PCT rule's input
// (spec.md §4.4). Strategies with no closed trades in the window contribute
// zero, not an error.
func (r *PositionRepository) RealizedPnL24h(ctx context.Context, portfolioID int64) (decimal.Decimal, error) {
	var sum sql.NullString
	err := r.DB().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(e.amount), 0)
		FROM realized_pnl_events e
		JOIN strategies s ON s.id = e.strategy_id
		WHERE s.portfolio_id = $1 AND e.created_at >= now() - INTERVAL '24 hours'`,
		portfolioID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage: realized pnl 24h for portfolio %d: %w", portfolioID, err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(sum.String)
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage: parse realized pnl 24h for portfolio %d: %w", portfolioID, err)
	}
	return d, nil
}
