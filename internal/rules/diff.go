package rules

import (
	"reflect"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Diff lists the fields that differ between two rule snapshots, in a fixed
// field order. Identity and timestamps are not compared.
func Diff(before, after *domain.Rule) []domain.FieldChange {
	changes := []domain.FieldChange{}
	add := func(field string, b, a any) {
		if !reflect.DeepEqual(b, a) {
			changes = append(changes, domain.FieldChange{Field: field, Before: b, After: a})
		}
	}

	add("name", before.Name, after.Name)
	add("description", before.Description, after.Description)
	add("scope", string(before.Scope), string(after.Scope))
	add("scopeValue", before.ScopeValue, after.ScopeValue)
	add("priority", before.Priority, after.Priority)
	add("status", string(before.Status), string(after.Status))
	add("condition", before.Condition, after.Condition)
	add("actions", actionsOrEmpty(before.Actions), actionsOrEmpty(after.Actions))

	return changes
}

func actionsOrEmpty(a []domain.Action) []domain.Action {
	if a == nil {
		return []domain.Action{}
	}
	return append([]domain.Action(nil), a...)
}
