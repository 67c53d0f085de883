// Package pricing implements the price evaluation pipeline: rule selection,
// action application, rounding and guardrails.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var tracer = otel.Tracer("kestrel-pricing")

// RuleSource supplies the published rules used when a request carries none.
type RuleSource interface {
	PublishedRules(ctx context.Context) ([]domain.Rule, error)
}

// ConditionEvaluator decides whether a rule condition holds for a request.
type ConditionEvaluator interface {
	Match(ctx context.Context, expr string, req *domain.PriceRequest) (bool, error)
}

// Pipeline evaluates price requests. It holds no mutable state and is safe
// for concurrent use.
type Pipeline struct {
	rules      RuleSource
	conditions ConditionEvaluator
	defaults   domain.PricingConfig
}

// NewPipeline creates a pipeline. rules and conditions may be nil; without
// a rule source only inline rules are applied, and without an evaluator
// rules that carry a condition are skipped.
func NewPipeline(rules RuleSource, conditions ConditionEvaluator, defaults domain.PricingConfig) *Pipeline {
	if defaults.Currency == "" {
		defaults.Currency = domain.DefaultCurrency
	}
	if defaults.Rounding == "" {
		defaults.Rounding = domain.DefaultRounding
	}
	if defaults.RoundingStep <= 0 {
		defaults.RoundingStep = domain.DefaultRoundingStep
	}
	return &Pipeline{rules: rules, conditions: conditions, defaults: defaults}
}

// Evaluate prices a request. Identical requests always produce the same
// price. Only validation and rule loading can fail.
func (p *Pipeline) Evaluate(ctx context.Context, req domain.PriceRequest) (*domain.PriceResult, error) {
	start := time.Now()

	if err := domain.Validate(req); err != nil {
		return nil, err
	}
	if err := checkInlineValues(req.Rules); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "pricing.Evaluate")
	defer span.End()

	p.applyDefaults(&req)

	candidates := req.Rules
	if candidates == nil && p.rules != nil {
		published, err := p.rules.PublishedRules(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to load published rules: %w", err)
		}
		candidates = published
	}

	selected, skipped := p.selectRules(ctx, &req, candidates)

	price := decimal.NewFromFloat(*req.BasePrice)
	applied := []domain.AppliedAction{}
	for _, rule := range selected {
		for _, action := range rule.Actions {
			next, ok := applyAction(price, action)
			if !ok {
				continue
			}
			price = next
			applied = append(applied, domain.AppliedAction{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Type:     action.Type,
				Value:    action.Value,
			})
		}
	}

	step := decimal.NewFromFloat(*req.RoundingStep)
	price = Round(price, req.Rounding, step)
	rounded := price

	price, hits := ApplyGuardrails(price, req.Guardrails, req.Cost)
	for _, h := range hits {
		metrics.GuardrailHits.WithLabelValues(h.Type).Inc()
	}

	result := &domain.PriceResult{
		RequestID: uuid.NewString(),
		Currency:  req.Currency,
		Price:     price.Round(outputDP).InexactFloat64(),
		Diagnostics: domain.Diagnostics{
			BasePrice: *req.BasePrice,
			Cost:      req.Cost,
			Rounding: domain.RoundingDiagnostics{
				Strategy: req.Rounding,
				Value:    rounded.Round(outputDP).InexactFloat64(),
			},
			Guardrails:     req.Guardrails,
			RulesEvaluated: len(selected),
			AppliedRules:   applied,
			GuardrailHits:  hits,
			SkippedRules:   skipped,
		},
	}
	if req.Rounding == domain.RoundingStep {
		result.Diagnostics.Rounding.Step = *req.RoundingStep
	}

	span.SetAttributes(
		attribute.String("request_id", result.RequestID),
		attribute.Int("rules_evaluated", len(selected)),
		attribute.Int("guardrail_hits", len(hits)),
		attribute.Float64("price", result.Price),
	)
	metrics.PriceEvaluations.WithLabelValues(string(req.Rounding)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	return result, nil
}

func (p *Pipeline) applyDefaults(req *domain.PriceRequest) {
	if req.Currency == "" {
		req.Currency = p.defaults.Currency
	}
	if req.Rounding == "" {
		req.Rounding = p.defaults.Rounding
	}
	if req.RoundingStep == nil {
		step := p.defaults.RoundingStep
		req.RoundingStep = &step
	}
}

// selectRules drops drafts and out-of-scope rules, evaluates conditions and
// orders the survivors by priority descending, then id ascending.
func (p *Pipeline) selectRules(ctx context.Context, req *domain.PriceRequest, rules []domain.Rule) ([]domain.Rule, []domain.SkippedRule) {
	selected := make([]domain.Rule, 0, len(rules))
	var skipped []domain.SkippedRule

	for _, rule := range rules {
		if rule.Status == domain.RuleDraft || !inScope(rule, req.Context) {
			continue
		}

		if rule.Condition != "" {
			if p.conditions == nil {
				skipped = append(skipped, domain.SkippedRule{RuleID: rule.ID, Reason: "conditions are not enabled"})
				continue
			}
			ok, err := p.conditions.Match(ctx, rule.Condition, req)
			if err != nil {
				slog.Warn("rule condition failed", "rule_id", rule.ID, "error", err)
				skipped = append(skipped, domain.SkippedRule{RuleID: rule.ID, Reason: err.Error()})
				continue
			}
			if !ok {
				continue
			}
		}

		selected = append(selected, rule)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Priority != selected[j].Priority {
			return selected[i].Priority > selected[j].Priority
		}
		return idLess(selected[i].ID, selected[j].ID)
	})

	return selected, skipped
}

func inScope(rule domain.Rule, c domain.PriceContext) bool {
	switch rule.Scope {
	case domain.ScopeGlobal, "":
		return true
	case domain.ScopeCategory:
		return rule.ScopeValue == c.Category
	case domain.ScopeProduct:
		return rule.ScopeValue == c.ProductID
	case domain.ScopeSegment:
		return rule.ScopeValue == c.Segment
	default:
		return false
	}
}

// idLess orders numeric ids numerically and everything else lexically.
// Numeric ids sort before non-numeric ones.
func idLess(a, b string) bool {
	na, errA := strconv.ParseFloat(a, 64)
	nb, errB := strconv.ParseFloat(b, 64)
	switch {
	case errA == nil && errB == nil:
		if na != nb {
			return na < nb
		}
		return a < b
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

// applyAction transforms price. Unknown action types are ignored.
// checkInlineValues rejects non-finite action values in request rules.
// Stored rules are validated when they are written.
func checkInlineValues(rules []domain.Rule) error {
	var errs []string
	for i, r := range rules {
		for j, a := range r.Actions {
			if !domain.Finite(a.Value) {
				errs = append(errs, fmt.Sprintf("rules[%d].actions[%d].value must be a finite number", i, j))
			}
		}
	}
	if len(errs) > 0 {
		return domain.NewValidationError(errs...)
	}
	return nil
}

func applyAction(price decimal.Decimal, a domain.Action) (decimal.Decimal, bool) {
	v := decimal.NewFromFloat(a.Value)
	switch a.Type {
	case domain.ActionSetPrice:
		return v, true
	case domain.ActionDiscountPercent:
		return price.Mul(one.Sub(v.Div(hundred))), true
	case domain.ActionDiscountAmount:
		return price.Sub(v), true
	case domain.ActionSurchargePercent:
		return price.Mul(one.Add(v.Div(hundred))), true
	case domain.ActionSurchargeAmount:
		return price.Add(v), true
	default:
		return price, false
	}
}
