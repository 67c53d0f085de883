package domain

import "time"

// Scope is the applicability domain of a rule or experiment.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeCategory Scope = "category"
	ScopeProduct  Scope = "product"
	ScopeSegment  Scope = "segment"
)

// RuleStatus controls whether a rule takes part in evaluation.
type RuleStatus string

const (
	// RuleDraft rules are stored and versioned but never applied.
	RuleDraft RuleStatus = "draft"

	// RulePublished rules are eligible for evaluation.
	RulePublished RuleStatus = "published"
)

// ActionType identifies a price transformation.
type ActionType string

const (
	ActionSetPrice         ActionType = "set-price"
	ActionDiscountPercent  ActionType = "discount-percent"
	ActionDiscountAmount   ActionType = "discount-amount"
	ActionSurchargePercent ActionType = "surcharge-percent"
	ActionSurchargeAmount  ActionType = "surcharge-amount"
)

// Action is a single price transformation applied against the running price.
type Action struct {
	Type  ActionType `json:"type" yaml:"type" validate:"required,oneof=set-price discount-percent discount-amount surcharge-percent surcharge-amount"`
	Value float64    `json:"value" yaml:"value" validate:"finite"`
}

// Rule is a pricing rule. Rules with status draft are never applied.
type Rule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Scope       Scope      `json:"scope"`
	ScopeValue  string     `json:"scopeValue,omitempty"`
	Priority    int        `json:"priority"`
	Status      RuleStatus `json:"status"`

	// Condition is an optional CEL expression over the request context.
	// The rule only applies when it evaluates to true.
	Condition string `json:"condition,omitempty"`

	Actions []Action `json:"actions"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so snapshots never alias live rules.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.Actions = append([]Action(nil), r.Actions...)
	return &c
}

// RuleInput is the payload accepted by validate and create.
type RuleInput struct {
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name" validate:"required"`
	Description string     `json:"description,omitempty"`
	Scope       Scope      `json:"scope,omitempty" validate:"omitempty,oneof=global category product segment"`
	ScopeValue  string     `json:"scopeValue,omitempty"`
	Priority    int        `json:"priority"`
	Status      RuleStatus `json:"status,omitempty" validate:"omitempty,oneof=draft published"`
	Condition   string     `json:"condition,omitempty"`
	Actions     []Action   `json:"actions" validate:"required,min=1,dive"`
	CreatedBy   string     `json:"createdBy,omitempty"`
}

// RulePatch holds the fields an update may change. Nil means unchanged.
type RulePatch struct {
	Name        *string     `json:"name,omitempty"`
	Description *string     `json:"description,omitempty"`
	Scope       *Scope      `json:"scope,omitempty"`
	ScopeValue  *string     `json:"scopeValue,omitempty"`
	Priority    *int        `json:"priority,omitempty"`
	Status      *RuleStatus `json:"status,omitempty"`
	Condition   *string     `json:"condition,omitempty"`
	Actions     []Action    `json:"actions,omitempty"`
	UpdatedBy   string      `json:"updatedBy,omitempty"`
}

// RuleFilter narrows List results. Zero values match everything.
type RuleFilter struct {
	Status RuleStatus
	Scope  Scope
}

// ChangeType classifies a rule version.
type ChangeType string

const (
	ChangeCreate   ChangeType = "create"
	ChangeUpdate   ChangeType = "update"
	ChangeRollback ChangeType = "rollback"
)

// FieldChange is one entry of a field-level diff.
type FieldChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// RuleVersion is an immutable snapshot of a rule at a version.
// Versions for a rule are contiguous starting at 1.
type RuleVersion struct {
	RuleID     string        `json:"ruleId"`
	Version    int           `json:"version"`
	Snapshot   Rule          `json:"snapshot"`
	ChangeType ChangeType    `json:"changeType"`
	Changes    []FieldChange `json:"changes"`
	ChangedAt  time.Time     `json:"changedAt"`
	ChangedBy  string        `json:"changedBy,omitempty"`
}

// Clone returns a deep copy of the version.
func (v *RuleVersion) Clone() *RuleVersion {
	if v == nil {
		return nil
	}
	c := *v
	c.Snapshot = *v.Snapshot.Clone()
	c.Changes = append([]FieldChange(nil), v.Changes...)
	return &c
}

// VersionDiff is the result of comparing two versions of one rule.
type VersionDiff struct {
	RuleID      string        `json:"ruleId"`
	FromVersion int           `json:"fromVersion"`
	ToVersion   int           `json:"toVersion"`
	Diff        []FieldChange `json:"diff"`
}

// RevertResult reports the outcome of a rollback.
type RevertResult struct {
	RevertedTo int   `json:"revertedTo"`
	Version    int   `json:"version"`
	Rule       *Rule `json:"rule"`
}

// VersionSummary is the per-rule audit summary.
type VersionSummary struct {
	VersionCount   int `json:"versionCount"`
	CurrentVersion int `json:"currentVersion"`
}

// ValidationResult is the structured outcome of rule validation.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}
