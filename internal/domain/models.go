// Package domain models the trading entities as plain structs with ids,
// traversed through repositories rather than an in-memory object graph.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or proposal.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeStatus is the order lifecycle state in the order-status machine.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusSubmitted TradeStatus = "submitted"
	TradeStatusOpen      TradeStatus = "open"
	TradeStatusPartial   TradeStatus = "partial"
	TradeStatusFilled    TradeStatus = "filled"
	TradeStatusCanceled  TradeStatus = "canceled"
	TradeStatusRejected  TradeStatus = "rejected"
	TradeStatusFailed    TradeStatus = "failed"
)

// Terminal reports whether the status is write-once / final.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusFilled, TradeStatusCanceled, TradeStatusRejected, TradeStatusFailed:
		return true
	default:
		return false
	}
}

// transitions lists the only legal forward moves in the order-status machine.
var transitions = map[TradeStatus][]TradeStatus{
	TradeStatusPending:   {TradeStatusSubmitted, TradeStatusFailed},
	TradeStatusSubmitted: {TradeStatusOpen, TradeStatusFilled, TradeStatusCanceled, TradeStatusRejected, TradeStatusFailed},
	TradeStatusOpen:      {TradeStatusPartial, TradeStatusFilled, TradeStatusCanceled, TradeStatusRejected, TradeStatusFailed},
	TradeStatusPartial:   {TradeStatusPartial, TradeStatusFilled, TradeStatusCanceled, TradeStatusRejected, TradeStatusFailed},
}

// CanTransition reports whether moving from s to next is a legal, monotonic
// transition. No backward transition exists in the journal.
func (s TradeStatus) CanTransition(next TradeStatus) bool {
	if s.Terminal() {
		return false
	}
	if s == next {
		return s == TradeStatusPartial
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RuleType enumerates the PortfolioRule kinds.
type RuleType string

const (
	RuleBlockedSymbol             RuleType = "BLOCKED_SYMBOL"
	RuleMaxPositionSizePct        RuleType = "MAX_POSITION_SIZE_PCT"
	RuleMaxDailyLossPct           RuleType = "MAX_DAILY_LOSS_PCT"
	RuleMaxPortfolioExposurePct   RuleType = "MAX_PORTFOLIO_EXPOSURE_PCT"
)

// SizingModel enumerates the position-sizing dispatch tags.
type SizingModel string

const (
	SizingFixedFractional   SizingModel = "FixedFractional"
	SizingVolatilityAdjusted SizingModel = "VolatilityAdjusted"
	SizingKelly             SizingModel = "Kelly"
)

// Portfolio is a pool of capital, optionally nested under a parent.
type Portfolio struct {
	ID                int64
	Name              string
	ParentID          *int64
	BaseCurrency      string
	TotalCapital      decimal.Decimal
	AvailableCapital  decimal.Decimal
	IsActive          bool
}

// PortfolioRule is a policy attached to a portfolio.
type PortfolioRule struct {
	ID          int64
	PortfolioID int64
	RuleType    RuleType
	RuleValue   map[string]any // structured payload, e.g. {"pct": 10}, {"symbol": "XRPUSDT"}
}

// PositionSizingConfig tags the sizing model and its parameters.
type PositionSizingConfig struct {
	Model  SizingModel
	Params map[string]any
}

// Strategy is a static configuration row mapped to exactly one portfolio.
type Strategy struct {
	ID                   int64
	Name                 string
	StrategyType         string
	Exchange             string
	Symbol               string
	Parameters           map[string]any
	PositionSizingConfig PositionSizingConfig
	IsActive             bool
	PortfolioID          int64
}

// ManualPseudoStrategyName names the reserved, always-inactive strategy row
// used to attribute adopted orphan positions. Adopted positions are never
// auto-closed by the core.
const ManualPseudoStrategyName = "__manual__"

// Trade is the immutable order journal row.
type Trade struct {
	ID              int64
	StrategyID      int64
	Exchange        string
	Symbol          string
	ExchangeOrderID string
	Type            string // "market" | "limit"
	Side            Side
	Amount          decimal.Decimal
	Price           *decimal.Decimal
	FilledAmount    decimal.Decimal
	AvgFillPrice    *decimal.Decimal
	Fee             *decimal.Decimal
	Status          TradeStatus
	ProposalID      string
	ReservationID   *int64
	Origin          string // "" for normal flow, "reconcile_drift" for adopted/repaired rows
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Position is the mutable current-holding view, reconstructible from Trade
// rows plus exchange fills.
type Position struct {
	ID            int64
	StrategyID    int64
	Exchange      string
	Symbol        string
	EntryPrice    decimal.Decimal
	CurrentSize   decimal.Decimal // signed: long positive, short negative
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	IsOpen        bool
	UpdatedAt     time.Time
}

// Reservation is capital earmarked for an in-flight proposal.
type Reservation struct {
	ID          int64
	PortfolioID int64
	StrategyID  int64
	Amount      decimal.Decimal
	ProposalID  string
	CreatedAt   time.Time
	Released    bool
}

// Proposal is a strategy's request to trade; not yet an order.
type Proposal struct {
	ProposalID      string
	StrategyID      int64
	Symbol          string
	Side            Side
	SignalPrice     decimal.Decimal
	StopLossPrice   *decimal.Decimal
	TakeProfitPrice *decimal.Decimal
	Confidence      float64
	StrategyParams  map[string]any
	CreatedAt       time.Time
}

// ExecuteTradeCommand is the approved order the Capital Manager publishes on
// commands.execute_trade.
type ExecuteTradeCommand struct {
	ProposalID    string
	StrategyID    int64
	Exchange      string
	Symbol        string
	Side          Side
	Type          string
	Amount        decimal.Decimal
	Price         *decimal.Decimal
	ReservationID int64
}

// TradeExecutedEvent is the terminal success outcome from the connector.
type TradeExecutedEvent struct {
	ProposalID      string
	ExchangeOrderID string
	StrategyID      int64
	Exchange        string
	Symbol          string
	Side            Side
	FilledAmount    decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
	ReservationID   int64
}

// TradeFailedEvent is the terminal failure outcome from the connector.
type TradeFailedEvent struct {
	ProposalID    string
	StrategyID    int64
	ReservationID int64
	Kind          string // a faults.Kind value, carried as string across the bus
	Reason        string
}

// CapitalDeniedEvent is the Capital Manager's refusal outcome.
type CapitalDeniedEvent struct {
	ProposalID string
	StrategyID int64
	Reason     string
}
