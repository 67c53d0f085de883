package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const ruleColumns = `id, name, description, scope, scope_value, priority, status, condition_expr, actions, created_at, updated_at`

// CommitRule upserts the rule and appends its version in one transaction.
func (r *SQLRepository) CommitRule(ctx context.Context, rule *domain.Rule, version *domain.RuleVersion) error {
	if rule == nil || version == nil || rule.ID == "" || version.RuleID != rule.ID {
		return fmt.Errorf("%w: rule and matching version are required", domain.ErrInvalidInput)
	}

	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode rule actions: %w", err)
	}
	snapshot, err := json.Marshal(version.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode rule snapshot: %w", err)
	}
	changes, err := json.Marshal(nonNilChanges(version.Changes))
	if err != nil {
		return fmt.Errorf("failed to encode rule changes: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var latest int
	err = tx.QueryRowContext(ctx,
		r.rebind(`SELECT COALESCE(MAX(version), 0) FROM rule_versions WHERE rule_id = ?`),
		rule.ID,
	).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to read latest version: %w", err)
	}
	if version.Version != latest+1 {
		return fmt.Errorf("%w: rule %s expected version %d, got %d", domain.ErrVersionConflict, rule.ID, latest+1, version.Version)
	}

	upsert := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			scope = excluded.scope,
			scope_value = excluded.scope_value,
			priority = excluded.priority,
			status = excluded.status,
			condition_expr = excluded.condition_expr,
			actions = excluded.actions,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, r.rebind(upsert),
		rule.ID, rule.Name, rule.Description, string(rule.Scope), rule.ScopeValue,
		rule.Priority, string(rule.Status), rule.Condition, string(actions),
		rule.CreatedAt.UTC(), rule.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	insert := `
		INSERT INTO rule_versions (
			rule_id, version, snapshot, change_type, changes, changed_at, changed_by
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, r.rebind(insert),
		version.RuleID, version.Version, string(snapshot), string(version.ChangeType),
		string(changes), version.ChangedAt.UTC(), version.ChangedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule: %w", err)
	}
	return nil
}

// GetRule retrieves a live rule by ID.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// ListRules retrieves live rules in creation order.
func (r *SQLRepository) ListRules(ctx context.Context, filter domain.RuleFilter) ([]*domain.Rule, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(filter.Scope))
	}

	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	rules := []*domain.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteRule removes the live rule. Version rows are kept.
func (r *SQLRepository) DeleteRule(ctx context.Context, ruleID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM rules WHERE id = ?`), ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const versionColumns = `rule_id, version, snapshot, change_type, changes, changed_at, changed_by`

// ListVersions returns every version of a rule, oldest first.
func (r *SQLRepository) ListVersions(ctx context.Context, ruleID string) ([]*domain.RuleVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM rule_versions WHERE rule_id = ? ORDER BY version`
	return r.queryVersions(ctx, query, ruleID)
}

// GetVersion returns one version of a rule.
func (r *SQLRepository) GetVersion(ctx context.Context, ruleID string, version int) (*domain.RuleVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM rule_versions WHERE rule_id = ? AND version = ?`

	v, err := scanVersion(r.db.QueryRowContext(ctx, r.rebind(query), ruleID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule version: %w", err)
	}
	return v, nil
}

// RecentVersions returns the newest versions across all rules.
func (r *SQLRepository) RecentVersions(ctx context.Context, limit int) ([]*domain.RuleVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM rule_versions ORDER BY changed_at DESC, rule_id, version DESC LIMIT ?`
	return r.queryVersions(ctx, query, limit)
}

// VersionSummaries returns version counts keyed by rule ID.
func (r *SQLRepository) VersionSummaries(ctx context.Context) (map[string]domain.VersionSummary, error) {
	query := `SELECT rule_id, COUNT(*), MAX(version) FROM rule_versions GROUP BY rule_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize versions: %w", err)
	}
	defer rows.Close()

	summaries := make(map[string]domain.VersionSummary)
	for rows.Next() {
		var ruleID string
		var s domain.VersionSummary
		if err := rows.Scan(&ruleID, &s.VersionCount, &s.CurrentVersion); err != nil {
			return nil, err
		}
		summaries[ruleID] = s
	}
	return summaries, rows.Err()
}

func (r *SQLRepository) queryVersions(ctx context.Context, query string, args ...any) ([]*domain.RuleVersion, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule versions: %w", err)
	}
	defer rows.Close()

	versions := []*domain.RuleVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanRule(row scanner) (*domain.Rule, error) {
	var rule domain.Rule
	var scope, status, actions string

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &scope, &rule.ScopeValue,
		&rule.Priority, &status, &rule.Condition, &actions,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Scope = domain.Scope(scope)
	rule.Status = domain.RuleStatus(status)
	if err := json.Unmarshal([]byte(actions), &rule.Actions); err != nil {
		return nil, fmt.Errorf("failed to parse actions for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func scanVersion(row scanner) (*domain.RuleVersion, error) {
	var v domain.RuleVersion
	var snapshot, changeType, changes string

	err := row.Scan(&v.RuleID, &v.Version, &snapshot, &changeType, &changes, &v.ChangedAt, &v.ChangedBy)
	if err != nil {
		return nil, err
	}

	v.ChangeType = domain.ChangeType(changeType)
	if err := json.Unmarshal([]byte(snapshot), &v.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot for %s@%d: %w", v.RuleID, v.Version, err)
	}
	if err := json.Unmarshal([]byte(changes), &v.Changes); err != nil {
		return nil, fmt.Errorf("failed to parse changes for %s@%d: %w", v.RuleID, v.Version, err)
	}
	v.Changes = nonNilChanges(v.Changes)
	return &v, nil
}

func nonNilChanges(c []domain.FieldChange) []domain.FieldChange {
	if c == nil {
		return []domain.FieldChange{}
	}
	return c
}
