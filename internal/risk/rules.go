// Package risk is the pre-trade gate and the background risk monitor.
// The gate runs a fixed rule chain over every order intent; the monitor
// watches the position book and arms the emergency stop when a hard limit
// is breached.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/config"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
)

// ruleInput is the snapshot a rule chain run evaluates against. Built once
// per check so every rule sees the same world.
type ruleInput struct {
	intent   *domain.Intent
	notional decimal.Decimal // order notional at the reference price
	symbol   decimal.Decimal // current exposure in the intent's symbol
	total    decimal.Decimal // total exposure across the book
	pnl      domain.PnLSnapshot
	stopped  bool
	cfg      config.RiskConfig
}

// ruleResult is one rule's verdict. A non-empty reason is a hard failure
// that short-circuits the chain.
type ruleResult struct {
	level   domain.RiskLevel
	reason  string
	warning string
}

type rule interface {
	name() string
	check(in *ruleInput) ruleResult
}

// chain is the evaluation order. Emergency stop runs first so a stopped
// account rejects without touching the limit math.
func chain() []rule {
	return []rule{
		emergencyStopRule{},
		orderSizeRule{},
		instrumentExposureRule{},
		totalExposureRule{},
		dailyLossRule{},
		drawdownRule{},
	}
}

type emergencyStopRule struct{}

func (emergencyStopRule) name() string { return "emergency_stop" }

func (emergencyStopRule) check(in *ruleInput) ruleResult {
	if in.stopped {
		return ruleResult{level: domain.RiskCritical, reason: "emergency stop is active"}
	}
	return ruleResult{level: domain.RiskLow}
}

type orderSizeRule struct{}

func (orderSizeRule) name() string { return "order_size" }

func (orderSizeRule) check(in *ruleInput) ruleResult {
	limit := decimal.NewFromFloat(in.cfg.MaxOrderNotional)
	if !limit.IsPositive() {
		return ruleResult{level: domain.RiskLow}
	}
	return gradeAgainstLimit(in.notional, limit, "order notional")
}

type instrumentExposureRule struct{}

func (instrumentExposureRule) name() string { return "instrument_exposure" }

func (instrumentExposureRule) check(in *ruleInput) ruleResult {
	limit := decimal.NewFromFloat(in.cfg.MaxPositionNotional)
	if !limit.IsPositive() {
		return ruleResult{level: domain.RiskLow}
	}
	projected := in.symbol.Add(in.notional)
	return gradeAgainstLimit(projected, limit, fmt.Sprintf("%s exposure", in.intent.Symbol))
}

type totalExposureRule struct{}

func (totalExposureRule) name() string { return "total_exposure" }

func (totalExposureRule) check(in *ruleInput) ruleResult {
	limit := decimal.NewFromFloat(in.cfg.MaxTotalExposure)
	if !limit.IsPositive() {
		return ruleResult{level: domain.RiskLow}
	}
	projected := in.total.Add(in.notional)
	return gradeAgainstLimit(projected, limit, "total exposure")
}

type dailyLossRule struct{}

func (dailyLossRule) name() string { return "daily_loss" }

func (dailyLossRule) check(in *ruleInput) ruleResult {
	loss := in.pnl.RealizedToday.Neg() // positive when losing
	if !loss.IsPositive() {
		return ruleResult{level: domain.RiskLow}
	}

	absLimit := decimal.NewFromFloat(in.cfg.MaxDailyLoss)
	if absLimit.IsPositive() {
		if res := gradeAgainstLimit(loss, absLimit, "daily loss"); res.reason != "" || res.warning != "" {
			return res
		}
	}

	pctLimit := decimal.NewFromFloat(in.cfg.MaxDailyLossPct)
	if pctLimit.IsPositive() && in.pnl.InitialEquity.IsPositive() {
		lossPct := loss.Div(in.pnl.InitialEquity).Mul(decimal.NewFromInt(100))
		return gradeAgainstLimit(lossPct, pctLimit, "daily loss percentage")
	}
	return ruleResult{level: domain.RiskLow}
}

type drawdownRule struct{}

func (drawdownRule) name() string { return "drawdown" }

func (drawdownRule) check(in *ruleInput) ruleResult {
	limit := decimal.NewFromFloat(in.cfg.MaxDrawdownPct)
	if !limit.IsPositive() {
		return ruleResult{level: domain.RiskLow}
	}
	ddPct := in.pnl.Drawdown().Mul(decimal.NewFromInt(100))
	if !ddPct.IsPositive() {
		return ruleResult{level: domain.RiskLow}
	}

	// Drawdown warns earlier than the notional rules: it is slower to
	// recover from.
	switch {
	case ddPct.GreaterThanOrEqual(limit):
		return ruleResult{
			level:  domain.RiskCritical,
			reason: fmt.Sprintf("drawdown %s%% exceeds limit %s%%", ddPct.StringFixed(2), limit.StringFixed(2)),
		}
	case ddPct.GreaterThanOrEqual(limit.Mul(decimal.NewFromFloat(0.9))):
		return ruleResult{
			level:   domain.RiskHigh,
			warning: fmt.Sprintf("drawdown %s%% is above 90%% of the %s%% limit", ddPct.StringFixed(2), limit.StringFixed(2)),
		}
	case ddPct.GreaterThanOrEqual(limit.Mul(decimal.NewFromFloat(0.7))):
		return ruleResult{
			level:   domain.RiskMedium,
			warning: fmt.Sprintf("drawdown %s%% is above 70%% of the %s%% limit", ddPct.StringFixed(2), limit.StringFixed(2)),
		}
	}
	return ruleResult{level: domain.RiskLow}
}

// gradeAgainstLimit applies the shared 80/95/100 grading: over the limit
// fails, over 95% warns high, over 80% warns medium.
func gradeAgainstLimit(value, limit decimal.Decimal, what string) ruleResult {
	switch {
	case value.GreaterThan(limit):
		return ruleResult{
			level:  domain.RiskCritical,
			reason: fmt.Sprintf("%s %s exceeds limit %s", what, value.StringFixed(2), limit.StringFixed(2)),
		}
	case value.GreaterThanOrEqual(limit.Mul(decimal.NewFromFloat(0.95))):
		return ruleResult{
			level:   domain.RiskHigh,
			warning: fmt.Sprintf("%s %s is above 95%% of the limit %s", what, value.StringFixed(2), limit.StringFixed(2)),
		}
	case value.GreaterThanOrEqual(limit.Mul(decimal.NewFromFloat(0.8))):
		return ruleResult{
			level:   domain.RiskMedium,
			warning: fmt.Sprintf("%s %s is above 80%% of the limit %s", what, value.StringFixed(2), limit.StringFixed(2)),
		}
	}
	return ruleResult{level: domain.RiskLow}
}
