package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ApplyGuardrails clamps price in the order floor, ceiling, map, minMargin.
// Every guardrail that changes the price is reported as a hit. Missing
// guardrails are skipped; minMargin needs a positive cost.
func ApplyGuardrails(price decimal.Decimal, g domain.Guardrails, cost *float64) (decimal.Decimal, []domain.GuardrailHit) {
	hits := []domain.GuardrailHit{}

	clamp := func(kind string, limit float64, after decimal.Decimal) {
		hits = append(hits, domain.GuardrailHit{
			Type:   kind,
			Value:  limit,
			Before: price.Round(outputDP).InexactFloat64(),
			After:  after.Round(outputDP).InexactFloat64(),
		})
		price = after
	}

	if g.Floor != nil {
		floor := decimal.NewFromFloat(*g.Floor)
		if price.LessThan(floor) {
			clamp(domain.GuardrailFloor, *g.Floor, floor)
		}
	}

	if g.Ceiling != nil {
		ceiling := decimal.NewFromFloat(*g.Ceiling)
		if price.GreaterThan(ceiling) {
			clamp(domain.GuardrailCeiling, *g.Ceiling, ceiling)
		}
	}

	// MAP runs after ceiling so it wins when the two conflict.
	if g.MAP != nil {
		minAdvertised := decimal.NewFromFloat(*g.MAP)
		if price.LessThan(minAdvertised) {
			clamp(domain.GuardrailMAP, *g.MAP, minAdvertised)
		}
	}

	if g.MinMargin != nil && cost != nil && *cost > 0 {
		c := decimal.NewFromFloat(*cost)
		minMargin := decimal.NewFromFloat(*g.MinMargin)
		margin := price.Sub(c).Div(c)
		if margin.LessThan(minMargin) {
			clamp(domain.GuardrailMinMargin, *g.MinMargin, c.Mul(one.Add(minMargin)))
		}
	}

	return price, hits
}
