// Package decimalx provides fixed-precision quantization helpers on top of
// shopspring/decimal. Every price or size that reaches the exchange must
// pass through Quantize so it lands on an exchange-legal increment.
package decimalx

import "github.com/shopspring/decimal"

// Rounding selects the rounding mode used at a quantization site. The
// rounding mode is always explicit at the call site; there is no implicit
// default, matching spec.md's decimal invariant.
type Rounding int

const (
	// RoundDown rounds toward negative infinity (floor), which truncates
	// the non-negative order sizes and funds it is used for.
	RoundDown Rounding = iota
	// RoundUp rounds toward positive infinity (ceiling). Used only in the probabilistic
	// sub-minimum sizing branch of the sell-size calculation.
	RoundUp
)

// Quantize rounds value to a multiple of increment, down or up as the
// given rounding mode selects. An increment of zero or negative is a programming
// error in the caller (MarketInfo guarantees increments are positive) and
// returns value unchanged.
func Quantize(value, increment decimal.Decimal, rounding Rounding) decimal.Decimal {
	if increment.IsZero() || increment.IsNegative() {
		return value
	}

	quotient := value.Div(increment)

	var steps decimal.Decimal
	switch rounding {
	case RoundUp:
		steps = quotient.Ceil()
	default:
		steps = quotient.Floor()
	}

	return steps.Mul(increment)
}

// Clamp restricts value to the inclusive range [min, max]. If max is zero
// (an unset/absent upper bound, as MarketInfo's base_max_size/
// max_market_funds may be when an exchange does not publish one) no upper
// clamp is applied.
func Clamp(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if !max.IsZero() && value.GreaterThan(max) {
		return max
	}
	return value
}

// InRange reports whether value falls within [min, max]. A zero max is
// treated as "no upper bound", matching Clamp.
func InRange(value, min, max decimal.Decimal) bool {
	if value.LessThan(min) {
		return false
	}
	if !max.IsZero() && value.GreaterThan(max) {
		return false
	}
	return true
}

// IsMultipleOf reports whether value is an exact integer multiple of
// increment, used by the quantization-law property test.
func IsMultipleOf(value, increment decimal.Decimal) bool {
	if increment.IsZero() {
		return value.IsZero()
	}
	remainder := value.Mod(increment)
	return remainder.IsZero()
}
