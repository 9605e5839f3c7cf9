package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// StrategyRepository persists the static Strategy configuration rows.
type StrategyRepository struct {
	BaseRepository
}

func NewStrategyRepository(db *DB, log zerolog.Logger) *StrategyRepository {
	return &StrategyRepository{BaseRepository: NewBase(db, log.With().Str("repo", "strategy").Logger())}
}

func (r *StrategyRepository) ListActive(ctx context.Context) ([]domain.Strategy, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, name, strategy_type, exchange, symbol, parameters, sizing_model, sizing_params, is_active, portfolio_id
		FROM strategies WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *StrategyRepository) Get(ctx context.Context, id int64) (*domain.Strategy, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT id, name, strategy_type, exchange, symbol, parameters, sizing_model, sizing_params, is_active, portfolio_id
		FROM strategies WHERE id = $1`, id)
	return scanStrategy(row)
}

// ManualPseudoStrategy returns the reserved "__manual__" row that orphan
// position adoption attributes repaired rows to.
func (r *StrategyRepository) ManualPseudoStrategy(ctx context.Context) (*domain.Strategy, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT id, name, strategy_type, exchange, symbol, parameters, sizing_model, sizing_params, is_active, portfolio_id
		FROM strategies WHERE name = $1`, domain.ManualPseudoStrategyName)
	return scanStrategy(row)
}

// SetActive flips is_active for one strategy, the persistence half of the
// start_strategy/stop_strategy operator commands and of the supervisor's
// restart-budget-exhausted halt (spec §4.2).
func (r *StrategyRepository) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := r.DB().ExecContext(ctx, `UPDATE strategies SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("storage: set strategy %d active=%v: %w", id, active, err)
	}
	return nil
}

// List returns every strategy regardless of is_active, for the strategy_list
// operator command.
func (r *StrategyRepository) List(ctx context.Context) ([]domain.Strategy, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, name, strategy_type, exchange, symbol, parameters, sizing_model, sizing_params, is_active, portfolio_id
		FROM strategies`)
	if err != nil {
		return nil, fmt.Errorf("storage: list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanStrategy(s rowScanner) (*domain.Strategy, error) {
	var st domain.Strategy
	var params, sizingParams []byte
	var sizingModel string
	if err := s.Scan(&st.ID, &st.Name, &st.StrategyType, &st.Exchange, &st.Symbol, &params, &sizingModel, &sizingParams, &st.IsActive, &st.PortfolioID); err != nil {
		return nil, fmt.Errorf("storage: scan strategy: %w", err)
	}
	if err := json.Unmarshal(params, &st.Parameters); err != nil {
		return nil, fmt.Errorf("storage: decode strategy parameters: %w", err)
	}
	var sizingParamMap map[string]any
	if err := json.Unmarshal(sizingParams, &sizingParamMap); err != nil {
		return nil, fmt.Errorf("storage: decode sizing params: %w", err)
	}
	st.PositionSizingConfig = domain.PositionSizingConfig{
		Model:  domain.SizingModel(sizingModel),
		Params: sizingParamMap,
	}
	return &st, nil
}
