package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const (
	// DefaultRecentLimit is used when RecentChanges gets a non-positive limit.
	DefaultRecentLimit = 20
	maxRecentLimit     = 500

	defaultPublishedTTL = 30 * time.Second
)

// ChangeDelete marks a rule.changed event for a deletion. Deletions do not write a version.
const ChangeDelete domain.ChangeType = "delete"

// RuleChange is the payload published on kestrel.rule.changed.
type RuleChange struct {
	RuleID     string            `json:"ruleId"`
	Version    int               `json:"version,omitempty"`
	ChangeType domain.ChangeType `json:"changeType"`
	ChangedBy  string            `json:"changedBy,omitempty"`
	Fields     []string          `json:"fields,omitempty"`
}

// Service is the versioned rule repository. Every mutation writes the live
// rule and an immutable version snapshot together.
type Service struct {
	mu           sync.Mutex
	store        domain.RuleStore
	cache        domain.Cache
	bus          domain.EventBus
	conditions   *Engine
	publishedTTL time.Duration
	now          func() time.Time
}

// NewService creates a rule service. cache, eventBus and conditions may be nil.
func NewService(store domain.RuleStore, c domain.Cache, eventBus domain.EventBus, conditions *Engine, publishedTTL time.Duration) *Service {
	if publishedTTL <= 0 {
		publishedTTL = defaultPublishedTTL
	}
	return &Service{
		store:        store,
		cache:        c,
		bus:          eventBus,
		conditions:   conditions,
		publishedTTL: publishedTTL,
		now:          time.Now,
	}
}

// Validate checks a rule input without touching storage.
func (s *Service) Validate(input domain.RuleInput) domain.ValidationResult {
	errs := s.validationErrors(input)
	return domain.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (s *Service) validationErrors(input domain.RuleInput) []string {
	errs := []string{}

	var verr *domain.ValidationError
	if err := domain.Validate(input); errors.As(err, &verr) {
		errs = append(errs, verr.Errors...)
	}

	if input.Condition != "" && s.conditions != nil {
		if err := s.conditions.Validate(input.Condition); err != nil {
			errs = append(errs, "condition: "+err.Error())
		}
	}
	return errs
}

// Create validates input and stores a new rule as version 1.
func (s *Service) Create(ctx context.Context, input domain.RuleInput) (*domain.Rule, error) {
	if errs := s.validationErrors(input); len(errs) > 0 {
		return nil, domain.NewValidationError(errs...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := input.ID
	if id == "" {
		id = newRuleID()
	} else {
		existing, err := s.store.ListVersions(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to check rule id: %w", err)
		}
		if len(existing) > 0 {
			return nil, domain.NewValidationError(fmt.Sprintf("id %s already exists", id))
		}
	}

	now := s.now().UTC()
	rule := &domain.Rule{
		ID:          id,
		Name:        input.Name,
		Description: input.Description,
		Scope:       input.Scope,
		ScopeValue:  input.ScopeValue,
		Priority:    input.Priority,
		Status:      input.Status,
		Condition:   input.Condition,
		Actions:     append([]domain.Action(nil), input.Actions...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rule.Scope == "" {
		rule.Scope = domain.ScopeGlobal
	}
	if rule.Status == "" {
		rule.Status = domain.RuleDraft
	}

	changes := Diff(&domain.Rule{}, rule)
	if err := s.commit(ctx, rule, 1, domain.ChangeCreate, changes, input.CreatedBy); err != nil {
		return nil, err
	}

	slog.Info("rule created", "rule_id", rule.ID, "status", rule.Status)
	return rule.Clone(), nil
}

// Update merges patch into the rule and appends an update version.
func (s *Service) Update(ctx context.Context, id string, patch domain.RulePatch) (*domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := applyPatch(current, patch)
	if errs := s.validationErrors(toInput(merged)); len(errs) > 0 {
		return nil, domain.NewValidationError(errs...)
	}

	latest, err := s.latestVersion(ctx, id)
	if err != nil {
		return nil, err
	}

	merged.UpdatedAt = s.now().UTC()
	changes := Diff(current, merged)
	if err := s.commit(ctx, merged, latest+1, domain.ChangeUpdate, changes, patch.UpdatedBy); err != nil {
		return nil, err
	}

	slog.Info("rule updated", "rule_id", id, "version", latest+1, "changes", len(changes))
	return merged.Clone(), nil
}

// Publish marks the rule published. A rule that is already published is
// returned unchanged and no version is written.
func (s *Service) Publish(ctx context.Context, id, publishedBy string) (*domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.RulePublished {
		return current, nil
	}

	latest, err := s.latestVersion(ctx, id)
	if err != nil {
		return nil, err
	}

	published := current.Clone()
	published.Status = domain.RulePublished
	published.UpdatedAt = s.now().UTC()

	if err := s.commit(ctx, published, latest+1, domain.ChangeUpdate, Diff(current, published), publishedBy); err != nil {
		return nil, err
	}

	slog.Info("rule published", "rule_id", id, "version", latest+1)
	return published.Clone(), nil
}

// Delete removes the live rule. Its history stays available.
func (s *Service) Delete(ctx context.Context, id, deletedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}

	s.invalidate(ctx)
	s.publish(ctx, RuleChange{RuleID: id, ChangeType: ChangeDelete, ChangedBy: deletedBy})

	slog.Info("rule deleted", "rule_id", id)
	return nil
}

// Get returns the live rule.
func (s *Service) Get(ctx context.Context, id string) (*domain.Rule, error) {
	return s.store.GetRule(ctx, id)
}

// List returns live rules matching filter.
func (s *Service) List(ctx context.Context, filter domain.RuleFilter) ([]*domain.Rule, error) {
	return s.store.ListRules(ctx, filter)
}

// History returns every version of a rule, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]*domain.RuleVersion, error) {
	versions, err := s.store.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, domain.ErrNotFound
	}
	return versions, nil
}

// Version returns version n of a rule.
func (s *Service) Version(ctx context.Context, id string, n int) (*domain.RuleVersion, error) {
	return s.store.GetVersion(ctx, id, n)
}

// CompareVersions diffs two versions of one rule.
func (s *Service) CompareVersions(ctx context.Context, id string, v1, v2 int) (*domain.VersionDiff, error) {
	from, err := s.store.GetVersion(ctx, id, v1)
	if err != nil {
		return nil, err
	}
	to, err := s.store.GetVersion(ctx, id, v2)
	if err != nil {
		return nil, err
	}

	return &domain.VersionDiff{
		RuleID:      id,
		FromVersion: v1,
		ToVersion:   v2,
		Diff:        Diff(&from.Snapshot, &to.Snapshot),
	}, nil
}

// Revert restores the snapshot of target as a new rollback version.
// A deleted rule can be reverted back into existence.
func (s *Service) Revert(ctx context.Context, id string, target int, revertedBy string) (*domain.RevertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.store.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	if target < 1 || target > len(versions) {
		return nil, domain.ErrNotFound
	}

	latest := versions[len(versions)-1]
	current := latest.Snapshot.Clone()
	if live, err := s.store.GetRule(ctx, id); err == nil {
		current = live
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	restored := versions[target-1].Snapshot.Clone()
	restored.ID = id
	restored.CreatedAt = current.CreatedAt
	restored.UpdatedAt = s.now().UTC()

	version := latest.Version + 1
	if err := s.commit(ctx, restored, version, domain.ChangeRollback, Diff(current, restored), revertedBy); err != nil {
		return nil, err
	}

	slog.Info("rule reverted", "rule_id", id, "reverted_to", target, "version", version)
	return &domain.RevertResult{
		RevertedTo: target,
		Version:    version,
		Rule:       restored.Clone(),
	}, nil
}

// RecentChanges returns the newest versions across all rules.
func (s *Service) RecentChanges(ctx context.Context, limit int) ([]*domain.RuleVersion, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	return s.store.RecentVersions(ctx, limit)
}

// VersionSummary returns per-rule version counts.
func (s *Service) VersionSummary(ctx context.Context) (map[string]domain.VersionSummary, error) {
	return s.store.VersionSummaries(ctx)
}

// PublishedRules returns the rules eligible for evaluation. The set is
// memoized in the cache and dropped on every mutation. A miss is filled
// under the mutation lock so a fill never stores a superseded set.
func (s *Service) PublishedRules(ctx context.Context) ([]domain.Rule, error) {
	if rules, ok := s.cachedPublished(ctx); ok {
		return rules, nil
	}

	if s.cache != nil {
		s.mu.Lock()
		defer s.mu.Unlock()

		if rules, ok := s.cachedPublished(ctx); ok {
			return rules, nil
		}
	}

	live, err := s.store.ListRules(ctx, domain.RuleFilter{Status: domain.RulePublished})
	if err != nil {
		return nil, err
	}

	rules := make([]domain.Rule, 0, len(live))
	for _, r := range live {
		rules = append(rules, *r)
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, domain.CacheKeyPublishedRules, rules, s.publishedTTL); err != nil {
			slog.Warn("published rules cache write failed", "error", err)
		}
	}
	return rules, nil
}

func (s *Service) cachedPublished(ctx context.Context) ([]domain.Rule, bool) {
	if s.cache == nil {
		return nil, false
	}
	rules, ok, err := cache.GetJSON[[]domain.Rule](ctx, s.cache, domain.CacheKeyPublishedRules)
	if err != nil {
		slog.Warn("published rules cache read failed", "error", err)
		return nil, false
	}
	return rules, ok
}

func (s *Service) commit(ctx context.Context, rule *domain.Rule, version int, changeType domain.ChangeType, changes []domain.FieldChange, by string) error {
	v := &domain.RuleVersion{
		RuleID:     rule.ID,
		Version:    version,
		Snapshot:   *rule.Clone(),
		ChangeType: changeType,
		Changes:    changes,
		ChangedAt:  rule.UpdatedAt,
		ChangedBy:  by,
	}
	if err := s.store.CommitRule(ctx, rule, v); err != nil {
		return fmt.Errorf("failed to commit rule %s: %w", rule.ID, err)
	}

	metrics.RuleVersions.WithLabelValues(string(changeType)).Inc()
	s.invalidate(ctx)

	fields := make([]string, len(changes))
	for i, c := range changes {
		fields[i] = c.Field
	}
	s.publish(ctx, RuleChange{
		RuleID:     rule.ID,
		Version:    version,
		ChangeType: changeType,
		ChangedBy:  by,
		Fields:     fields,
	})
	return nil
}

func (s *Service) latestVersion(ctx context.Context, id string) (int, error) {
	versions, err := s.store.ListVersions(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1].Version, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, domain.CacheKeyPublishedRules); err != nil {
		slog.Warn("published rules cache invalidation failed", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, change RuleChange) {
	if err := bus.PublishJSON(ctx, s.bus, domain.TopicRuleChanged, change); err != nil {
		slog.Warn("failed to publish rule change", "rule_id", change.RuleID, "error", err)
	}
}

func applyPatch(current *domain.Rule, patch domain.RulePatch) *domain.Rule {
	merged := current.Clone()
	if patch.Name != nil {
		merged.Name = *patch.Name
	}
	if patch.Description != nil {
		merged.Description = *patch.Description
	}
	if patch.Scope != nil {
		merged.Scope = *patch.Scope
	}
	if patch.ScopeValue != nil {
		merged.ScopeValue = *patch.ScopeValue
	}
	if patch.Priority != nil {
		merged.Priority = *patch.Priority
	}
	if patch.Status != nil {
		merged.Status = *patch.Status
	}
	if patch.Condition != nil {
		merged.Condition = *patch.Condition
	}
	if patch.Actions != nil {
		merged.Actions = append([]domain.Action(nil), patch.Actions...)
	}
	return merged
}

func toInput(r *domain.Rule) domain.RuleInput {
	return domain.RuleInput{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Scope:       r.Scope,
		ScopeValue:  r.ScopeValue,
		Priority:    r.Priority,
		Status:      r.Status,
		Condition:   r.Condition,
		Actions:     r.Actions,
	}
}

// newRuleID returns a time-ordered UUIDv7, falling back to v4.
func newRuleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
