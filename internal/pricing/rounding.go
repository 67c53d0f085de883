package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// outputDP is the number of decimal places in reported prices.
const outputDP = 2

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
	cents99 = decimal.RequireFromString("0.99")
	cents95 = decimal.RequireFromString("0.95")
)

// Round applies strategy to price. Unknown strategies and non-positive steps
// leave the price unchanged.
func Round(price decimal.Decimal, strategy domain.RoundingStrategy, step decimal.Decimal) decimal.Decimal {
	switch strategy {
	case domain.RoundingEnding99:
		return roundToEnding(price, cents99)
	case domain.RoundingEnding95:
		return roundToEnding(price, cents95)
	case domain.RoundingStep:
		return roundToStep(price, step)
	default:
		return price
	}
}

// roundToEnding returns the largest value at or below price whose fractional
// part is ending. A result below zero leaves price unchanged.
func roundToEnding(price, ending decimal.Decimal) decimal.Decimal {
	candidate := price.Floor().Add(ending)
	if candidate.GreaterThan(price) {
		candidate = candidate.Sub(one)
	}
	if candidate.IsNegative() {
		return price
	}
	return candidate
}

// roundToStep rounds to the nearest multiple of step, halves away from zero.
func roundToStep(price, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return price
	}
	return price.Div(step).Round(0).Mul(step)
}
