package domain

// RoundingStrategy is a deterministic transform to a display-friendly price.
type RoundingStrategy string

const (
	RoundingNone     RoundingStrategy = "none"
	RoundingEnding99 RoundingStrategy = "ending-99"
	RoundingEnding95 RoundingStrategy = "ending-95"
	RoundingStep     RoundingStrategy = "step"
)

// Defaults applied to a PriceRequest when fields are omitted.
const (
	DefaultCurrency     = "USD"
	DefaultRounding     = RoundingEnding99
	DefaultRoundingStep = 0.05
)

// Guardrail type names reported in diagnostics.
const (
	GuardrailFloor     = "floor"
	GuardrailCeiling   = "ceiling"
	GuardrailMAP       = "map"
	GuardrailMinMargin = "minMargin"
)

// Guardrails bound the final price. Nil fields are skipped.
type Guardrails struct {
	Floor     *float64 `json:"floor,omitempty" yaml:"floor,omitempty" validate:"omitempty,finite"`
	Ceiling   *float64 `json:"ceiling,omitempty" yaml:"ceiling,omitempty" validate:"omitempty,finite"`
	MAP       *float64 `json:"map,omitempty" yaml:"map,omitempty" validate:"omitempty,finite"`
	MinMargin *float64 `json:"minMargin,omitempty" yaml:"minMargin,omitempty" validate:"omitempty,finite"`
}

// PriceContext carries the fields used for scope matching and conditions.
type PriceContext struct {
	ProductID  string         `json:"productId,omitempty"`
	Category   string         `json:"category,omitempty"`
	Segment    string         `json:"segment,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PriceRequest is the input to the evaluation pipeline.
// When Rules is nil the pipeline loads published rules from its rule source.
type PriceRequest struct {
	BasePrice    *float64         `json:"basePrice" validate:"required,finite"`
	Cost         *float64         `json:"cost,omitempty" validate:"omitempty,finite"`
	Currency     string           `json:"currency,omitempty" validate:"omitempty,len=3"`
	Rounding     RoundingStrategy `json:"rounding,omitempty" validate:"omitempty,oneof=none ending-99 ending-95 step"`
	RoundingStep *float64         `json:"roundingStep,omitempty" validate:"omitempty,finite,gt=0"`
	Guardrails   Guardrails       `json:"guardrails"`
	Rules        []Rule           `json:"rules,omitempty"`
	Context      PriceContext     `json:"context"`
}

// AppliedAction records one action applied during evaluation.
type AppliedAction struct {
	RuleID   string     `json:"ruleId"`
	RuleName string     `json:"ruleName"`
	Type     ActionType `json:"type"`
	Value    float64    `json:"value"`
}

// GuardrailHit records a guardrail that changed the price.
type GuardrailHit struct {
	Type   string  `json:"type"`
	Value  float64 `json:"value"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// RoundingDiagnostics reports the rounding strategy and its result.
type RoundingDiagnostics struct {
	Strategy RoundingStrategy `json:"strategy"`
	Step     float64          `json:"step,omitempty"`
	Value    float64          `json:"value"`
}

// SkippedRule reports a rule whose condition could not be evaluated.
type SkippedRule struct {
	RuleID string `json:"ruleId"`
	Reason string `json:"reason"`
}

// Diagnostics explains how a price was produced.
type Diagnostics struct {
	BasePrice      float64             `json:"basePrice"`
	Cost           *float64            `json:"cost"`
	Rounding       RoundingDiagnostics `json:"rounding"`
	Guardrails     Guardrails          `json:"guardrails"`
	RulesEvaluated int                 `json:"rulesEvaluated"`
	AppliedRules   []AppliedAction     `json:"appliedRules"`
	GuardrailHits  []GuardrailHit      `json:"guardrailHits"`
	SkippedRules   []SkippedRule       `json:"skippedRules,omitempty"`
}

// PriceResult is the output of the evaluation pipeline.
type PriceResult struct {
	RequestID   string      `json:"requestId"`
	Currency    string      `json:"currency"`
	Price       float64     `json:"price"`
	Diagnostics Diagnostics `json:"diagnostics"`
}
