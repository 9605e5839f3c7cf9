package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// PortfolioRepository persists Portfolio and PortfolioRule rows.
type PortfolioRepository struct {
	BaseRepository
}

func NewPortfolioRepository(db *DB, log zerolog.Logger) *PortfolioRepository {
	return &PortfolioRepository{BaseRepository: NewBase(db, log.With().Str("repo", "portfolio").Logger())}
}

func (r *PortfolioRepository) Get(ctx context.Context, id int64) (*domain.Portfolio, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT id, name, parent_id, base_currency, total_capital, available_capital, is_active
		FROM portfolios WHERE id = $1`, id)
	return scanPortfolio(row)
}

func (r *PortfolioRepository) ListActive(ctx context.Context) ([]domain.Portfolio, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, name, parent_id, base_currency, total_capital, available_capital, is_active
		FROM portfolios WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active portfolios: %w", err)
	}
	defer rows.Close()

	var out []domain.Portfolio
	for rows.Next() {
		p, err := scanPortfolioRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Rules returns every PortfolioRule attached to portfolioID, in no particular
// order; the Capital Manager chain applies BLOCKED_SYMBOL first regardless of
// row order.
func (r *PortfolioRepository) Rules(ctx context.Context, portfolioID int64) ([]domain.PortfolioRule, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, portfolio_id, rule_type, rule_value FROM portfolio_rules WHERE portfolio_id = $1`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("storage: rules for portfolio %d: %w", portfolioID, err)
	}
	defer rows.Close()

	var out []domain.PortfolioRule
	for rows.Next() {
		var rule domain.PortfolioRule
		var raw []byte
		if err := rows.Scan(&rule.ID, &rule.PortfolioID, &rule.RuleType, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &rule.RuleValue); err != nil {
			return nil, fmt.Errorf("storage: decode rule_value: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// ReserveCapital atomically decrements available_capital and inserts a
// Reservation row keyed by proposal ID, failing the whole transaction if
// capital is insufficient.
func (r *PortfolioRepository) ReserveCapital(ctx context.Context, portfolioID, strategyID int64, amount decimal.Decimal, proposalID string) (*domain.Reservation, error) {
	tx, err := r.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	var available decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT available_capital FROM portfolios WHERE id = $1 FOR UPDATE`, portfolioID).Scan(&available); err != nil {
		return nil, fmt.Errorf("storage: lock portfolio %d: %w", portfolioID, err)
	}
	if available.LessThan(amount) {
		return nil, fmt.Errorf("storage: insufficient available capital in portfolio %d: have %s, need %s", portfolioID, available, amount)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE portfolios SET available_capital = available_capital - $1 WHERE id = $2`, amount, portfolioID); err != nil {
		return nil, fmt.Errorf("storage: debit portfolio %d: %w", portfolioID, err)
	}

	var res domain.Reservation
	row := tx.QueryRowContext(ctx, `
		INSERT INTO reservations (portfolio_id, strategy_id, amount, proposal_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, portfolio_id, strategy_id, amount, proposal_id, created_at, released`,
		portfolioID, strategyID, amount, proposalID)
	if err := row.Scan(&res.ID, &res.PortfolioID, &res.StrategyID, &res.Amount, &res.ProposalID, &res.CreatedAt, &res.Released); err != nil {
		return nil, fmt.Errorf("storage: insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit reserve tx: %w", err)
	}
	return &res, nil
}

// ReleaseReservation credits the reserved amount back to available_capital
// and marks the reservation released. It is idempotent: releasing an
// already-released reservation is a no-op.
func (r *PortfolioRepository) ReleaseReservation(ctx context.Context, reservationID int64) error {
	tx, err := r.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin release tx: %w", err)
	}
	defer tx.Rollback()

	var portfolioID int64
	var amount decimal.Decimal
	var released bool
	err = tx.QueryRowContext(ctx, `
		SELECT portfolio_id, amount, released FROM reservations WHERE id = $1 FOR UPDATE`, reservationID).
		Scan(&portfolioID, &amount, &released)
	if err == sql.ErrNoRows {
		return fmt.Errorf("storage: reservation %d not found", reservationID)
	}
	if err != nil {
		return fmt.Errorf("storage: lock reservation %d: %w", reservationID, err)
	}
	if released {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `UPDATE portfolios SET available_capital = available_capital + $1 WHERE id = $2`, amount, portfolioID); err != nil {
		return fmt.Errorf("storage: credit portfolio %d: %w", portfolioID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE reservations SET released = TRUE WHERE id = $1`, reservationID); err != nil {
		return fmt.Errorf("storage: mark reservation %d released: %w", reservationID, err)
	}

	return tx.Commit()
}

// SetAvailableCapital overwrites available_capital directly, bypassing the
// reserve/release ledger. Used only by the State Reconciliation Protocol to
// repair drift once it has recomputed the correct value from the repaired
// reservation set (spec §4.7 step 4).
func (r *PortfolioRepository) SetAvailableCapital(ctx context.Context, portfolioID int64, amount decimal.Decimal) error {
	_, err := r.DB().ExecContext(ctx, `UPDATE portfolios SET available_capital = $1 WHERE id = $2`, amount, portfolioID)
	if err != nil {
		return fmt.Errorf("storage: repair available_capital for portfolio %d: %w", portfolioID, err)
	}
	return nil
}

// OpenReservations returns every unreleased reservation for a portfolio, used
// by the State Reconciliation Protocol to repair dangling reservations left
// by a crash between reserve and publish.
func (r *PortfolioRepository) OpenReservations(ctx context.Context, portfolioID int64) ([]domain.Reservation, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, portfolio_id, strategy_id, amount, proposal_id, created_at, released
		FROM reservations WHERE portfolio_id = $1 AND NOT released`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("storage: open reservations for portfolio %d: %w", portfolioID, err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.PortfolioID, &res.StrategyID, &res.Amount, &res.ProposalID, &res.CreatedAt, &res.Released); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPortfolio(row *sql.Row) (*domain.Portfolio, error) {
	return scanPortfolioAny(row)
}

func scanPortfolioRows(rows *sql.Rows) (*domain.Portfolio, error) {
	return scanPortfolioAny(rows)
}

func scanPortfolioAny(s rowScanner) (*domain.Portfolio, error) {
	var p domain.Portfolio
	if err := s.Scan(&p.ID, &p.Name, &p.ParentID, &p.BaseCurrency, &p.TotalCapital, &p.AvailableCapital, &p.IsActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("storage: portfolio not found: %w", err)
		}
		return nil, fmt.Errorf("storage: scan portfolio: %w", err)
	}
	return &p, nil
}
