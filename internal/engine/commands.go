package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/cryptosentinel/internal/bus"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/storage"
)

// Recognized operator command names (spec §6 "Operator/UI contract").
const (
	CmdStartStrategy    = "start_strategy"
	CmdStopStrategy     = "stop_strategy"
	CmdEmergencyHalt    = "emergency_halt"
	CmdPortfolioStatus  = "portfolio_status"
	CmdStrategyList     = "strategy_list"
	CmdReconcileNow     = "reconcile_now"
)

// OperatorCommands answers the six recognized operator commands over the bus
// on behalf of an external UI or chat-bot control surface (both out of scope
// per spec §1; only their contract with the core, §6, is implemented here).
type OperatorCommands struct {
	engine     *Engine
	strategies *storage.StrategyRepository
	portfolios *storage.PortfolioRepository
	supervisor *Supervisor
	reconciler *Reconciler
	log        zerolog.Logger
}

func NewOperatorCommands(e *Engine, strategies *storage.StrategyRepository, portfolios *storage.PortfolioRepository, supervisor *Supervisor, reconciler *Reconciler, log zerolog.Logger) *OperatorCommands {
	return &OperatorCommands{
		engine:     e,
		strategies: strategies,
		portfolios: portfolios,
		supervisor: supervisor,
		reconciler: reconciler,
		log:        log.With().Str("component", "operator_commands").Logger(),
	}
}

// strategyIDPayload is the request body for start_strategy/stop_strategy.
type strategyIDPayload struct {
	StrategyID int64 `json:"strategy_id"`
}

// reconcileNowPayload optionally overrides the configured orphan policy for
// one manually triggered run (spec scenario 4: an operator overriding a
// freeze).
type reconcileNowPayload struct {
	OrphanPolicy string `json:"orphan_policy,omitempty"`
}

type portfolioStatusEntry struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	BaseCurrency     string `json:"base_currency"`
	TotalCapital     string `json:"total_capital"`
	AvailableCapital string `json:"available_capital"`
	IsActive         bool   `json:"is_active"`
}

type strategyListEntry struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	StrategyType string `json:"strategy_type"`
	Exchange     string `json:"exchange"`
	Symbol       string `json:"symbol"`
	IsActive     bool   `json:"is_active"`
	PortfolioID  int64  `json:"portfolio_id"`
}

// Subscribe registers a single Responder for every commands.operator.<name>
// key, dispatching on the suffix.
func (o *OperatorCommands) Subscribe(ctx context.Context, b bus.Bus) error {
	_, err := bus.NewResponder(ctx, b, bus.OperatorCommandPattern(), func(requestKey string) string {
		name := strings.TrimPrefix(requestKey, bus.PrefixCommandsOperator+".")
		return bus.OperatorReplyKey(name)
	}, func(ctx context.Context, requestKey string, payload json.RawMessage) (any, error) {
		name := strings.TrimPrefix(requestKey, bus.PrefixCommandsOperator+".")
		return o.dispatch(ctx, name, payload)
	})
	if err != nil {
		return fmt.Errorf("engine: subscribe operator commands: %w", err)
	}
	return nil
}

func (o *OperatorCommands) dispatch(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	switch name {
	case CmdStartStrategy:
		return o.startStrategy(ctx, payload)
	case CmdStopStrategy:
		return o.stopStrategy(ctx, payload)
	case CmdEmergencyHalt:
		return o.emergencyHalt(ctx)
	case CmdPortfolioStatus:
		return o.portfolioStatus(ctx)
	case CmdStrategyList:
		return o.strategyList(ctx)
	case CmdReconcileNow:
		return o.reconcileNow(ctx, payload)
	default:
		return nil, fmt.Errorf("engine: unrecognized operator command %q", name)
	}
}

func (o *OperatorCommands) startStrategy(ctx context.Context, payload json.RawMessage) (any, error) {
	var p strategyIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode start_strategy payload: %w", err)
	}
	if err := o.strategies.SetActive(ctx, p.StrategyID, true); err != nil {
		return nil, err
	}
	strategy, err := o.strategies.Get(ctx, p.StrategyID)
	if err != nil {
		return nil, err
	}
	o.supervisor.Start(ctx, *strategy)
	return map[string]any{"strategy_id": p.StrategyID, "is_active": true}, nil
}

func (o *OperatorCommands) stopStrategy(ctx context.Context, payload json.RawMessage) (any, error) {
	var p strategyIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode stop_strategy payload: %w", err)
	}
	if err := o.strategies.SetActive(ctx, p.StrategyID, false); err != nil {
		return nil, err
	}
	o.supervisor.Stop(p.StrategyID)
	return map[string]any{"strategy_id": p.StrategyID, "is_active": false}, nil
}

func (o *OperatorCommands) emergencyHalt(ctx context.Context) (any, error) {
	active, err := o.strategies.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.ID)
	}
	if err := o.engine.EmergencyHalt(ctx, ids); err != nil {
		return nil, err
	}
	return map[string]any{"halted": true, "strategy_ids": ids}, nil
}

func (o *OperatorCommands) portfolioStatus(ctx context.Context) (any, error) {
	portfolios, err := o.portfolios.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]portfolioStatusEntry, 0, len(portfolios))
	for _, p := range portfolios {
		out = append(out, portfolioStatusEntry{
			ID:               p.ID,
			Name:             p.Name,
			BaseCurrency:     p.BaseCurrency,
			TotalCapital:     p.TotalCapital.String(),
			AvailableCapital: p.AvailableCapital.String(),
			IsActive:         p.IsActive,
		})
	}
	return out, nil
}

func (o *OperatorCommands) strategyList(ctx context.Context) (any, error) {
	strategies, err := o.strategies.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]strategyListEntry, 0, len(strategies))
	for _, s := range strategies {
		if s.Name == domain.ManualPseudoStrategyName {
			continue
		}
		out = append(out, strategyListEntry{
			ID:           s.ID,
			Name:         s.Name,
			StrategyType: s.StrategyType,
			Exchange:     s.Exchange,
			Symbol:       s.Symbol,
			IsActive:     s.IsActive,
			PortfolioID:  s.PortfolioID,
		})
	}
	return out, nil
}

func (o *OperatorCommands) reconcileNow(ctx context.Context, payload json.RawMessage) (any, error) {
	var p reconcileNowPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode reconcile_now payload: %w", err)
		}
	}
	restore := o.reconciler.OverrideOrphanPolicy(p.OrphanPolicy)
	defer restore()
	if err := o.reconciler.Run(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"reconciled": true}, nil
}
