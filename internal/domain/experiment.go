package domain

import "time"

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
)

// CanTransition reports whether the state machine allows from -> to.
//
//	draft -> running -> paused -> running
//	running -> completed
func CanTransition(from, to ExperimentStatus) bool {
	switch from {
	case ExperimentDraft:
		return to == ExperimentRunning
	case ExperimentRunning:
		return to == ExperimentPaused || to == ExperimentCompleted
	case ExperimentPaused:
		return to == ExperimentRunning
	default:
		return false
	}
}

// AllocationStrategy selects how users are routed to variants.
type AllocationStrategy string

const (
	AllocationRandom     AllocationStrategy = "random"
	AllocationRoundRobin AllocationStrategy = "round-robin"
	AllocationBandit     AllocationStrategy = "bandit"
)

// Variant is one arm of an experiment.
type Variant struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// VariantStat holds the running statistics of a variant.
// Alpha and Beta are Beta-distribution pseudo-counts used by the bandit.
type VariantStat struct {
	Assignments int     `json:"assignments"`
	Conversions int     `json:"conversions"`
	Revenue     float64 `json:"revenue"`
	Alpha       float64 `json:"alpha"`
	Beta        float64 `json:"beta"`
}

// NewVariantStat returns stats with the Beta(1,1) prior.
func NewVariantStat() VariantStat {
	return VariantStat{Alpha: 1, Beta: 1}
}

// ExperimentGuardrails pause an experiment when breached.
type ExperimentGuardrails struct {
	MinConversionRate *float64 `json:"minConversionRate,omitempty"`
	MinAverageRevenue *float64 `json:"minAverageRevenue,omitempty"`
}

// Experiment is a pricing experiment.
type Experiment struct {
	ID                        string                 `json:"id"`
	Name                      string                 `json:"name"`
	Description               string                 `json:"description,omitempty"`
	Status                    ExperimentStatus       `json:"status"`
	AllocationStrategy        AllocationStrategy     `json:"allocationStrategy"`
	Variants                  []Variant              `json:"variants"`
	Scope                     Scope                  `json:"scope,omitempty"`
	ScopeValue                string                 `json:"scopeValue,omitempty"`
	Guardrails                ExperimentGuardrails   `json:"guardrails"`
	AutoStopOnGuardrailBreach bool                   `json:"autoStopOnGuardrailBreach"`
	Stats                     map[string]VariantStat `json:"stats"`
	PauseReason               string                 `json:"pauseReason,omitempty"`
	CreatedAt                 time.Time              `json:"createdAt"`
	UpdatedAt                 time.Time              `json:"updatedAt"`
	StartedAt                 *time.Time             `json:"startedAt,omitempty"`
	CompletedAt               *time.Time             `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the experiment.
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	c := *e
	c.Variants = append([]Variant(nil), e.Variants...)
	c.Stats = make(map[string]VariantStat, len(e.Stats))
	for k, v := range e.Stats {
		c.Stats[k] = v
	}
	return &c
}

// VariantInput describes a variant at creation time.
type VariantInput struct {
	ID     string  `json:"id,omitempty"`
	Name   string  `json:"name" validate:"required"`
	Weight float64 `json:"weight,omitempty" validate:"finite,gte=0"`
}

// ExperimentInput is the payload accepted by experiment creation.
type ExperimentInput struct {
	Name                      string               `json:"name" validate:"required"`
	Description               string               `json:"description,omitempty"`
	AllocationStrategy        AllocationStrategy   `json:"allocationStrategy,omitempty" validate:"omitempty,oneof=random round-robin bandit"`
	Variants                  []VariantInput       `json:"variants" validate:"required,min=1,dive"`
	Scope                     Scope                `json:"scope,omitempty" validate:"omitempty,oneof=global category product segment"`
	ScopeValue                string               `json:"scopeValue,omitempty"`
	Guardrails                ExperimentGuardrails `json:"guardrails"`
	AutoStopOnGuardrailBreach bool                 `json:"autoStopOnGuardrailBreach"`
}

// ExperimentFilter narrows List results.
type ExperimentFilter struct {
	Status ExperimentStatus
}

// Assignment binds a user to a variant. Exactly one per (user, experiment).
type Assignment struct {
	ExperimentID string         `json:"experimentId"`
	UserID       string         `json:"userId"`
	VariantID    string         `json:"variantId"`
	AssignedAt   time.Time      `json:"assignedAt"`
	Context      map[string]any `json:"context,omitempty"`
}

// Outcome is reported back for an assigned user.
type Outcome struct {
	Converted bool     `json:"converted"`
	Revenue   *float64 `json:"revenue,omitempty"`
}

// VariantMetrics is the per-variant row of experiment results.
type VariantMetrics struct {
	VariantID      string  `json:"variantId"`
	VariantName    string  `json:"variantName"`
	Assignments    int     `json:"assignments"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
	Revenue        float64 `json:"revenue"`
	AverageRevenue float64 `json:"averageRevenue"`
	CILower        float64 `json:"ciLower"`
	CIUpper        float64 `json:"ciUpper"`
}

// ExperimentMetrics aggregates variant metrics.
type ExperimentMetrics struct {
	TotalAssignments int              `json:"totalAssignments"`
	Variants         []VariantMetrics `json:"variants"`
	LeadingVariantID string           `json:"leadingVariantId,omitempty"`
}

// ExperimentResults is returned by the results query.
type ExperimentResults struct {
	Experiment *Experiment       `json:"experiment"`
	Metrics    ExperimentMetrics `json:"metrics"`
}
