package capital

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/aristath/cryptosentinel/internal/domain"
)

func baseRuleContext() RuleContext {
	return RuleContext{
		Portfolio: domain.Portfolio{
			ID:               1,
			TotalCapital:     decimal.NewFromInt(10000),
			AvailableCapital: decimal.NewFromInt(5000),
		},
		Proposal: domain.Proposal{
			Symbol: "BTCUSDT",
		},
		ProposedNotional: decimal.NewFromInt(1000),
	}
}

func TestEvaluateChainBlockedSymbolRejects(t *testing.T) {
	rc := baseRuleContext()
	rules := []domain.PortfolioRule{
		{RuleType: domain.RuleBlockedSymbol, RuleValue: map[string]any{"symbol": "BTCUSDT"}},
	}
	allowed, reason := EvaluateChain(rc, rules)
	if allowed {
		t.Fatal("expected rejection")
	}
	if reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestEvaluateChainMaxPositionSizePct(t *testing.T) {
	rc := baseRuleContext()
	rules := []domain.PortfolioRule{
		{RuleType: domain.RuleMaxPositionSizePct, RuleValue: map[string]any{"pct": 5.0}},
	}
	allowed, _ := EvaluateChain(rc, rules)
	if allowed {
		t.Fatal("expected rejection: 1000 notional exceeds 5% of 10000")
	}
}

func TestEvaluateChainAllPass(t *testing.T) {
	rc := baseRuleContext()
	rules := []domain.PortfolioRule{
		{RuleType: domain.RuleMaxPositionSizePct, RuleValue: map[string]any{"pct": 50.0}},
		{RuleType: domain.RuleMaxPortfolioExposurePct, RuleValue: map[string]any{"pct": 80.0}},
	}
	allowed, reason := EvaluateChain(rc, rules)
	if !allowed {
		t.Fatalf("expected all rules to pass, got reason: %s", reason)
	}
}

func TestEvaluateChainMaxDailyLossPct(t *testing.T) {
	rc := baseRuleContext()
	rc.RealizedPnL24h = decimal.NewFromInt(-2000)
	rules := []domain.PortfolioRule{
		{RuleType: domain.RuleMaxDailyLossPct, RuleValue: map[string]any{"pct": 10.0}},
	}
	allowed, _ := EvaluateChain(rc, rules)
	if allowed {
		t.Fatal("expected rejection: -2000 loss breaches 10% of 10000")
	}
}

func TestEvaluateChainMaxDailyLossPctRejectsExactlyAtThreshold(t *testing.T) {
	rc := baseRuleContext()
	rc.RealizedPnL24h = decimal.NewFromInt(-1000) // exactly 10% of 10000
	rules := []domain.PortfolioRule{
		{RuleType: domain.RuleMaxDailyLossPct, RuleValue: map[string]any{"pct": 10.0}},
	}
	allowed, _ := EvaluateChain(rc, rules)
	if allowed {
		t.Fatal("expected rejection: loss exactly at the threshold must reject")
	}
}

func TestEvaluateChainMaxDailyLossPctAllowsClosingTrade(t *testing.T) {
	rc := baseRuleContext()
	rc.RealizedPnL24h = decimal.NewFromInt(-2000) // well past the 10% limit
	rc.CurrentPositionSize = decimal.NewFromFloat(0.02)
	rc.Proposal.Side = domain.SideSell // selling into a long position closes it
	rules := []domain.PortfolioRule{
		{RuleType: domain.RuleMaxDailyLossPct, RuleValue: map[string]any{"pct": 10.0}},
	}
	allowed, reason := EvaluateChain(rc, rules)
	if !allowed {
		t.Fatalf("expected a closing trade to pass despite the daily loss breach, got reason: %s", reason)
	}
}
