// Package risk implements the per-position stop-loss/take-profit trigger
// (spec.md §4.F), plus an optional portfolio-level circuit breaker
// adapted from the teacher's risk package.
package risk

import "github.com/shopspring/decimal"

// StopLoss is a stateless price-trigger rule. TakeProfitRatio is
// optional; a zero value disables the upper bound.
type StopLoss struct {
	StopLossRatio   decimal.Decimal
	TakeProfitRatio decimal.Decimal
}

// Default returns the spec's default stop-loss ratio of 0.99 with
// take-profit disabled.
func Default() StopLoss {
	return StopLoss{StopLossRatio: decimal.NewFromFloat(0.99)}
}

// Trigger reports whether the position should be exited: current_price
// / entry_price <= stop_loss_ratio, or >= take_profit_ratio when one is
// configured. A zero entry price never triggers (undefined ratio).
func (s StopLoss) Trigger(currentPrice, entryPrice decimal.Decimal) bool {
	if !entryPrice.IsPositive() {
		return false
	}
	ratio := currentPrice.Div(entryPrice)
	if ratio.LessThanOrEqual(s.StopLossRatio) {
		return true
	}
	if s.TakeProfitRatio.IsPositive() && ratio.GreaterThanOrEqual(s.TakeProfitRatio) {
		return true
	}
	return false
}
