// Package capital implements the Capital Manager: the one and only authority
// that turns a proposal into an execute_trade command. Rules are a chain of
// small check functions, each aborting the chain on the first failure,
// rather than one monolithic validator.
package capital

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// RuleContext carries everything a rule needs to evaluate a proposal against
// a portfolio, without the rule touching storage directly.
type RuleContext struct {
	Portfolio       domain.Portfolio
	Proposal        domain.Proposal
	ProposedNotional decimal.Decimal
	OpenNotional    decimal.Decimal // sum of existing open positions' notional for this portfolio
	RealizedPnL24h  decimal.Decimal
	CurrentPositionSize decimal.Decimal // signed current size for (strategy, symbol); zero if flat
}

// closesPosition reports whether the proposal reduces or flips an existing
// position rather than opening/adding to one, i.e. a sell against a long or
// a buy against a short.
func (rc RuleContext) closesPosition() bool {
	switch {
	case rc.CurrentPositionSize.IsPositive():
		return rc.Proposal.Side == domain.SideSell
	case rc.CurrentPositionSize.IsNegative():
		return rc.Proposal.Side == domain.SideBuy
	default:
		return false
	}
}

// Rule evaluates one PortfolioRule against a RuleContext, returning a reason
// string on rejection.
type Rule func(rc RuleContext, rule domain.PortfolioRule) (allowed bool, reason string)

// Checkers dispatches on RuleType to the check function for that rule.
var Checkers = map[domain.RuleType]Rule{
	domain.RuleBlockedSymbol:           checkBlockedSymbol,
	domain.RuleMaxPositionSizePct:      checkMaxPositionSizePct,
	domain.RuleMaxPortfolioExposurePct: checkMaxPortfolioExposurePct,
	domain.RuleMaxDailyLossPct:         checkMaxDailyLossPct,
}

func checkBlockedSymbol(rc RuleContext, rule domain.PortfolioRule) (bool, string) {
	symbol, _ := rule.RuleValue["symbol"].(string)
	if symbol == rc.Proposal.Symbol {
		return false, fmt.Sprintf("symbol %s is blocked for this portfolio", symbol)
	}
	return true, ""
}

func checkMaxPositionSizePct(rc RuleContext, rule domain.PortfolioRule) (bool, string) {
	pct := floatFromRule(rule, "pct")
	limit := rc.Portfolio.TotalCapital.Mul(decimal.NewFromFloat(pct / 100))
	if rc.ProposedNotional.GreaterThan(limit) {
		return false, fmt.Sprintf("proposed notional %s exceeds MAX_POSITION_SIZE_PCT limit %s", rc.ProposedNotional, limit)
	}
	return true, ""
}

func checkMaxPortfolioExposurePct(rc RuleContext, rule domain.PortfolioRule) (bool, string) {
	pct := floatFromRule(rule, "pct")
	if rc.Portfolio.TotalCapital.IsZero() {
		return false, "portfolio has zero total capital"
	}
	projected := rc.OpenNotional.Add(rc.ProposedNotional)
	ratio := projected.Div(rc.Portfolio.TotalCapital)
	limit := decimal.NewFromFloat(pct / 100)
	if ratio.GreaterThan(limit) {
		return false, fmt.Sprintf("projected exposure %s exceeds MAX_PORTFOLIO_EXPOSURE_PCT limit %s", ratio, limit)
	}
	return true, ""
}

// checkMaxDailyLossPct rejects further buys once the rolling 24h realized
// loss breaches the limit, exactly at the threshold included, but always
// lets a proposal that closes an existing position through: a frozen
// portfolio must still be able to cut its losses (spec §8 boundary case).
func checkMaxDailyLossPct(rc RuleContext, rule domain.PortfolioRule) (bool, string) {
	if rc.closesPosition() {
		return true, ""
	}
	pct := floatFromRule(rule, "pct")
	limit := rc.Portfolio.TotalCapital.Mul(decimal.NewFromFloat(pct / 100)).Neg()
	if rc.RealizedPnL24h.LessThanOrEqual(limit) {
		return false, fmt.Sprintf("realized PnL over the rolling 24h window %s breaches MAX_DAILY_LOSS_PCT limit %s", rc.RealizedPnL24h, limit)
	}
	return true, ""
}

func floatFromRule(rule domain.PortfolioRule, key string) float64 {
	switch v := rule.RuleValue[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// EvaluateChain runs every rule in order, returning the first rejection
// reason, or "" if the proposal clears the whole chain.
func EvaluateChain(rc RuleContext, rules []domain.PortfolioRule) (allowed bool, reason string) {
	for _, rule := range rules {
		check, ok := Checkers[rule.RuleType]
		if !ok {
			continue
		}
		if ok, why := check(rc, rule); !ok {
			return false, why
		}
	}
	return true, ""
}
