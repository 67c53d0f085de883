package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryRepository implements domain.Repository in process memory.
// Values are copied on write and on read so callers never share state with the store.
type MemoryRepository struct {
	mu sync.RWMutex

	rules      map[string]*domain.Rule
	versions   map[string][]*domain.RuleVersion
	versionLog []*domain.RuleVersion

	experiments map[string]*domain.Experiment
	assignments map[string]*domain.Assignment

	signals []*domain.Signal
	events  []*domain.AnalyticsEvent
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		rules:       make(map[string]*domain.Rule),
		versions:    make(map[string][]*domain.RuleVersion),
		experiments: make(map[string]*domain.Experiment),
		assignments: make(map[string]*domain.Assignment),
	}
}

// CommitRule stores the rule and appends its version atomically.
func (m *MemoryRepository) CommitRule(ctx context.Context, rule *domain.Rule, version *domain.RuleVersion) error {
	if rule == nil || version == nil || rule.ID == "" || version.RuleID != rule.ID {
		return fmt.Errorf("%w: rule and matching version are required", domain.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	latest := len(m.versions[rule.ID])
	if version.Version != latest+1 {
		return fmt.Errorf("%w: rule %s expected version %d, got %d", domain.ErrVersionConflict, rule.ID, latest+1, version.Version)
	}

	v := version.Clone()
	m.rules[rule.ID] = rule.Clone()
	m.versions[rule.ID] = append(m.versions[rule.ID], v)
	m.versionLog = append(m.versionLog, v)
	return nil
}

// GetRule retrieves a live rule by ID.
func (m *MemoryRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.rules[ruleID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rule.Clone(), nil
}

// ListRules returns live rules in creation order.
func (m *MemoryRepository) ListRules(ctx context.Context, filter domain.RuleFilter) ([]*domain.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]*domain.Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		if filter.Status != "" && rule.Status != filter.Status {
			continue
		}
		if filter.Scope != "" && rule.Scope != filter.Scope {
			continue
		}
		rules = append(rules, rule.Clone())
	}

	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

// DeleteRule removes the live rule and keeps its history.
func (m *MemoryRepository) DeleteRule(ctx context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[ruleID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.rules, ruleID)
	return nil
}

// ListVersions returns a rule's versions, oldest first.
func (m *MemoryRepository) ListVersions(ctx context.Context, ruleID string) ([]*domain.RuleVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.versions[ruleID]
	versions := make([]*domain.RuleVersion, len(stored))
	for i, v := range stored {
		versions[i] = v.Clone()
	}
	return versions, nil
}

// GetVersion returns one version of a rule.
func (m *MemoryRepository) GetVersion(ctx context.Context, ruleID string, version int) (*domain.RuleVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.versions[ruleID]
	if version < 1 || version > len(stored) {
		return nil, domain.ErrNotFound
	}
	return stored[version-1].Clone(), nil
}

// RecentVersions returns the newest versions across all rules.
func (m *MemoryRepository) RecentVersions(ctx context.Context, limit int) ([]*domain.RuleVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.versionLog) {
		limit = len(m.versionLog)
	}
	versions := make([]*domain.RuleVersion, 0, limit)
	for i := len(m.versionLog) - 1; i >= 0 && len(versions) < limit; i-- {
		versions = append(versions, m.versionLog[i].Clone())
	}
	return versions, nil
}

// VersionSummaries returns version counts keyed by rule ID.
func (m *MemoryRepository) VersionSummaries(ctx context.Context) (map[string]domain.VersionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make(map[string]domain.VersionSummary, len(m.versions))
	for ruleID, versions := range m.versions {
		summaries[ruleID] = domain.VersionSummary{
			VersionCount:   len(versions),
			CurrentVersion: versions[len(versions)-1].Version,
		}
	}
	return summaries, nil
}

// SaveExperiment inserts or replaces an experiment.
func (m *MemoryRepository) SaveExperiment(ctx context.Context, exp *domain.Experiment) error {
	if exp == nil || exp.ID == "" {
		return fmt.Errorf("%w: experiment id is required", domain.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.experiments[exp.ID] = exp.Clone()
	return nil
}

// GetExperiment retrieves an experiment by ID.
func (m *MemoryRepository) GetExperiment(ctx context.Context, experimentID string) (*domain.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exp, ok := m.experiments[experimentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return exp.Clone(), nil
}

// ListExperiments returns experiments in creation order.
func (m *MemoryRepository) ListExperiments(ctx context.Context, filter domain.ExperimentFilter) ([]*domain.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	experiments := make([]*domain.Experiment, 0, len(m.experiments))
	for _, exp := range m.experiments {
		if filter.Status != "" && exp.Status != filter.Status {
			continue
		}
		experiments = append(experiments, exp.Clone())
	}

	sort.Slice(experiments, func(i, j int) bool {
		if !experiments[i].CreatedAt.Equal(experiments[j].CreatedAt) {
			return experiments[i].CreatedAt.Before(experiments[j].CreatedAt)
		}
		return experiments[i].ID < experiments[j].ID
	})
	return experiments, nil
}

// GetAssignment returns the assignment for (experiment, user).
func (m *MemoryRepository) GetAssignment(ctx context.Context, experimentID, userID string) (*domain.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assignments[assignmentKey(experimentID, userID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneAssignment(a), nil
}

// CreateAssignment stores a unless the user is already assigned.
func (m *MemoryRepository) CreateAssignment(ctx context.Context, a *domain.Assignment) (*domain.Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := assignmentKey(a.ExperimentID, a.UserID)
	if existing, ok := m.assignments[key]; ok {
		return cloneAssignment(existing), false, nil
	}
	m.assignments[key] = cloneAssignment(a)
	return cloneAssignment(a), true, nil
}

// UpdateExperiment applies fn to the experiment while holding the write
// lock. Assignments created by fn are kept aside until fn succeeds.
func (m *MemoryRepository) UpdateExperiment(ctx context.Context, experimentID string, fn func(tx domain.ExperimentTx, exp *domain.Experiment) error) (*domain.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.experiments[experimentID]
	if !ok {
		return nil, domain.ErrNotFound
	}

	exp := current.Clone()
	tx := &memoryTx{repo: m, pending: make(map[string]*domain.Assignment)}
	if err := fn(tx, exp); err != nil {
		return nil, err
	}

	for key, a := range tx.pending {
		m.assignments[key] = a
	}
	m.experiments[experimentID] = exp.Clone()
	return exp, nil
}

// memoryTx reads through to the repository, which the caller has locked.
type memoryTx struct {
	repo    *MemoryRepository
	pending map[string]*domain.Assignment
}

func (tx *memoryTx) GetAssignment(ctx context.Context, experimentID, userID string) (*domain.Assignment, error) {
	key := assignmentKey(experimentID, userID)
	if a, ok := tx.pending[key]; ok {
		return cloneAssignment(a), nil
	}
	if a, ok := tx.repo.assignments[key]; ok {
		return cloneAssignment(a), nil
	}
	return nil, domain.ErrNotFound
}

func (tx *memoryTx) CreateAssignment(ctx context.Context, a *domain.Assignment) (*domain.Assignment, bool, error) {
	if existing, err := tx.GetAssignment(ctx, a.ExperimentID, a.UserID); err == nil {
		return existing, false, nil
	}
	tx.pending[assignmentKey(a.ExperimentID, a.UserID)] = cloneAssignment(a)
	return cloneAssignment(a), true, nil
}

// AppendSignals appends a batch of signals.
func (m *MemoryRepository) AppendSignals(ctx context.Context, signals []*domain.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range signals {
		c := *s
		m.signals = append(m.signals, &c)
	}
	return nil
}

// ListSignals returns signals newest first.
func (m *MemoryRepository) ListSignals(ctx context.Context, filter domain.SignalFilter) ([]*domain.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	signals := []*domain.Signal{}
	for i := len(m.signals) - 1; i >= 0; i-- {
		if filter.Limit > 0 && len(signals) >= filter.Limit {
			break
		}
		s := m.signals[i]
		if filter.Type != "" && s.Type != filter.Type {
			continue
		}
		c := *s
		signals = append(signals, &c)
	}
	return signals, nil
}

// AppendEvent appends one analytics event.
func (m *MemoryRepository) AppendEvent(ctx context.Context, event *domain.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, cloneEvent(event))
	return nil
}

// ListEvents returns analytics events oldest first.
func (m *MemoryRepository) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.AnalyticsEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := []*domain.AnalyticsEvent{}
	for _, e := range m.events {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.RuleID != "" && e.RuleID() != filter.RuleID {
			continue
		}
		events = append(events, cloneEvent(e))
	}
	return events, nil
}

// Ping always succeeds.
func (m *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryRepository) Close() error {
	return nil
}

func assignmentKey(experimentID, userID string) string {
	return experimentID + "\x00" + userID
}

func cloneAssignment(a *domain.Assignment) *domain.Assignment {
	c := *a
	if a.Context != nil {
		c.Context = make(map[string]any, len(a.Context))
		for k, v := range a.Context {
			c.Context[k] = v
		}
	}
	return &c
}

func cloneEvent(e *domain.AnalyticsEvent) *domain.AnalyticsEvent {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}
