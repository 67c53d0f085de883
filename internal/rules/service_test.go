package rules

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestService(t *testing.T) (*Service, domain.Cache) {
	t.Helper()
	engine, err := NewEngine()
	require.NoError(t, err)

	c := cache.NewLRUCache(100)
	svc := NewService(repository.NewMemory(), c, nil, engine, time.Minute)

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, c
}

func discountInput(name string) domain.RuleInput {
	return domain.RuleInput{
		Name:       name,
		Scope:      domain.ScopeCategory,
		ScopeValue: "shoes",
		Priority:   5,
		Actions:    []domain.Action{{Type: domain.ActionDiscountPercent, Value: 10}},
	}
}

func ptr[T any](v T) *T { return &v }

func TestValidate(t *testing.T) {
	svc, _ := newTestService(t)

	t.Run("valid", func(t *testing.T) {
		res := svc.Validate(discountInput("Shoe sale"))
		assert.True(t, res.Valid)
		assert.Empty(t, res.Errors)
	})

	t.Run("missing name and actions", func(t *testing.T) {
		res := svc.Validate(domain.RuleInput{})
		assert.False(t, res.Valid)
		assert.Contains(t, res.Errors, "name is required")
		assert.Contains(t, res.Errors, "actions is required")
	})

	t.Run("empty actions", func(t *testing.T) {
		in := discountInput("x")
		in.Actions = []domain.Action{}
		res := svc.Validate(in)
		assert.False(t, res.Valid)
		assert.Contains(t, res.Errors, "actions must contain at least 1 item(s)")
	})

	t.Run("unknown action type", func(t *testing.T) {
		in := discountInput("x")
		in.Actions = []domain.Action{{Type: "multiply", Value: 2}}
		res := svc.Validate(in)
		assert.False(t, res.Valid)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], "actions[0].type must be one of")
	})

	t.Run("non-finite action value", func(t *testing.T) {
		in := discountInput("x")
		in.Actions = []domain.Action{{Type: domain.ActionSetPrice, Value: math.NaN()}}
		res := svc.Validate(in)
		assert.False(t, res.Valid)
		assert.Equal(t, []string{"actions[0].value must be a finite number"}, res.Errors)
	})

	t.Run("bad condition", func(t *testing.T) {
		in := discountInput("x")
		in.Condition = "segment ==="
		res := svc.Validate(in)
		assert.False(t, res.Valid)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], "condition:")
	})

	t.Run("non-bool condition", func(t *testing.T) {
		in := discountInput("x")
		in.Condition = "base_price * 2.0"
		res := svc.Validate(in)
		assert.False(t, res.Valid)
	})
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	rule, err := svc.Create(ctx, discountInput("Shoe sale"))
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, domain.RuleDraft, rule.Status)

	history, err := svc.History(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, domain.ChangeCreate, history[0].ChangeType)

	t.Run("published on create", func(t *testing.T) {
		in := discountInput("Live sale")
		in.Status = domain.RulePublished
		r, err := svc.Create(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, domain.RulePublished, r.Status)
	})

	t.Run("defaults scope to global", func(t *testing.T) {
		in := discountInput("Everywhere")
		in.Scope = ""
		in.ScopeValue = ""
		r, err := svc.Create(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, domain.ScopeGlobal, r.Scope)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := svc.Create(ctx, domain.RuleInput{Name: "no actions"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		assert.False(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("caller supplied id", func(t *testing.T) {
		in := discountInput("Fixed id")
		in.ID = "42"
		r, err := svc.Create(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, "42", r.ID)

		_, err = svc.Create(ctx, in)
		assert.True(t, domain.IsValidation(err))
	})
}

func TestUpdateAppendsVersions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	rule, err := svc.Create(ctx, discountInput("Shoe sale"))
	require.NoError(t, err)

	const updates = 5
	for i := 1; i <= updates; i++ {
		updated, err := svc.Update(ctx, rule.ID, domain.RulePatch{Priority: ptr(5 + i), UpdatedBy: "ops"})
		require.NoError(t, err)
		assert.Equal(t, 5+i, updated.Priority)
	}

	history, err := svc.History(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, history, updates+1)
	for i, v := range history {
		assert.Equal(t, i+1, v.Version)
	}

	last := history[len(history)-1]
	assert.Equal(t, domain.ChangeUpdate, last.ChangeType)
	assert.Equal(t, "ops", last.ChangedBy)
	require.Len(t, last.Changes, 1)
	assert.Equal(t, "priority", last.Changes[0].Field)
	assert.Equal(t, 9, last.Changes[0].Before)
	assert.Equal(t, 10, last.Changes[0].After)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	rule, err := svc.Create(ctx, discountInput("Shoe sale"))
	require.NoError(t, err)

	t.Run("multi-field diff", func(t *testing.T) {
		_, err := svc.Update(ctx, rule.ID, domain.RulePatch{
			Name:    ptr("Shoe clearance"),
			Actions: []domain.Action{{Type: domain.ActionDiscountPercent, Value: 25}},
		})
		require.NoError(t, err)

		v, err := svc.Version(ctx, rule.ID, 2)
		require.NoError(t, err)
		fields := []string{}
		for _, c := range v.Changes {
			fields = append(fields, c.Field)
		}
		assert.Equal(t, []string{"name", "actions"}, fields)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := svc.Update(ctx, "missing", domain.RulePatch{Name: ptr("x")})
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("merged rule must stay valid", func(t *testing.T) {
		_, err := svc.Update(ctx, rule.ID, domain.RulePatch{Name: ptr("")})
		assert.True(t, domain.IsValidation(err))

		history, err := svc.History(ctx, rule.ID)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	rule, err := svc.Create(ctx, discountInput("Shoe sale"))
	require.NoError(t, err)

	published, err := svc.Publish(ctx, rule.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RulePublished, published.Status)

	// Publishing again is a no-op.
	_, err = svc.Publish(ctx, rule.ID, "alice")
	require.NoError(t, err)

	history, err := svc.History(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []domain.FieldChange{{Field: "status", Before: "draft", After: "published"}}, history[1].Changes)

	_, err = svc.Publish(ctx, "does-not-exist", "alice")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.False(t, domain.IsValidation(err))
}

func TestCompareAndRevert(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	rule, err := svc.Create(ctx, discountInput("Shoe sale"))
	require.NoError(t, err)
	_, err = svc.Update(ctx, rule.ID, domain.RulePatch{Name: ptr("Shoe clearance"), Priority: ptr(50)})
	require.NoError(t, err)

	diff, err := svc.CompareVersions(ctx, rule.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, diff.FromVersion)
	assert.Equal(t, 2, diff.ToVersion)
	assert.Len(t, diff.Diff, 2)

	same, err := svc.CompareVersions(ctx, rule.ID, 2, 2)
	require.NoError(t, err)
	assert.Empty(t, same.Diff)

	_, err = svc.CompareVersions(ctx, rule.ID, 1, 9)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	res, err := svc.Revert(ctx, rule.ID, 1, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RevertedTo)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, "Shoe sale", res.Rule.Name)
	assert.Equal(t, 5, res.Rule.Priority)

	v3, err := svc.Version(ctx, rule.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeRollback, v3.ChangeType)
	assert.Equal(t, "bob", v3.ChangedBy)
	assert.NotEmpty(t, v3.Changes)

	v1, err := svc.Version(ctx, rule.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, Diff(&v1.Snapshot, &v3.Snapshot), "rollback snapshot must equal the target")

	history, err := svc.History(ctx, rule.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3, "revert never deletes history")

	_, err = svc.Revert(ctx, rule.ID, 7, "bob")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = svc.Revert(ctx, "missing", 1, "bob")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDeleteKeepsHistory(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	rule, err := svc.Create(ctx, discountInput("Shoe sale"))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, rule.ID, "ops"))

	_, err = svc.Get(ctx, rule.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	history, err := svc.History(ctx, rule.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// A deleted rule can be brought back from its history.
	res, err := svc.Revert(ctx, rule.ID, 1, "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)

	restored, err := svc.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Shoe sale", restored.Name)

	assert.True(t, errors.Is(svc.Delete(ctx, "missing", "ops"), domain.ErrNotFound))
	_, err = svc.History(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestAuditQueries(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	a, err := svc.Create(ctx, discountInput("A"))
	require.NoError(t, err)
	b, err := svc.Create(ctx, discountInput("B"))
	require.NoError(t, err)
	_, err = svc.Update(ctx, a.ID, domain.RulePatch{Priority: ptr(1)})
	require.NoError(t, err)

	recent, err := svc.RecentChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, a.ID, recent[0].RuleID)
	assert.Equal(t, 2, recent[0].Version)
	assert.Equal(t, b.ID, recent[1].RuleID)

	limited, err := svc.RecentChanges(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	summary, err := svc.VersionSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.VersionSummary{VersionCount: 2, CurrentVersion: 2}, summary[a.ID])
	assert.Equal(t, domain.VersionSummary{VersionCount: 1, CurrentVersion: 1}, summary[b.ID])
}

func TestPublishedRulesCache(t *testing.T) {
	ctx := context.Background()
	svc, c := newTestService(t)

	rule, err := svc.Create(ctx, discountInput("Shoe sale"))
	require.NoError(t, err)

	published, err := svc.PublishedRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, published)

	cached, err := c.Get(ctx, domain.CacheKeyPublishedRules)
	require.NoError(t, err)
	assert.NotNil(t, cached, "result should be memoized")

	_, err = svc.Publish(ctx, rule.ID, "")
	require.NoError(t, err)

	published, err = svc.PublishedRules(ctx)
	require.NoError(t, err)
	require.Len(t, published, 1, "publish must invalidate the memoized set")
	assert.Equal(t, rule.ID, published[0].ID)

	require.NoError(t, svc.Delete(ctx, rule.ID, ""))
	published, err = svc.PublishedRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, published)
}

func TestRuleChangeEvents(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine()
	require.NoError(t, err)

	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	got := make(chan *domain.Message, 4)
	_, err = eventBus.Subscribe(ctx, domain.TopicRuleChanged, func(ctx context.Context, msg *domain.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	svc := NewService(repository.NewMemory(), nil, eventBus, engine, 0)
	_, err = svc.Create(ctx, discountInput("Shoe sale"))
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Contains(t, string(msg.Payload), `"changeType":"create"`)
	case <-time.After(time.Second):
		t.Fatal("no rule.changed event published")
	}
}

func TestConcurrentUpdatesStayContiguous(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	rule, err := svc.Create(ctx, discountInput("Shoe sale"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Update(ctx, rule.ID, domain.RulePatch{Priority: ptr(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := svc.History(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, history, 21)
	for i, v := range history {
		assert.Equal(t, i+1, v.Version)
	}
}

// pausingStore holds the first published-rules listing until released.
type pausingStore struct {
	domain.RuleStore
	once    sync.Once
	listed  chan struct{}
	release chan struct{}
}

func (p *pausingStore) ListRules(ctx context.Context, filter domain.RuleFilter) ([]*domain.Rule, error) {
	rules, err := p.RuleStore.ListRules(ctx, filter)
	if filter.Status == domain.RulePublished {
		p.once.Do(func() {
			close(p.listed)
			<-p.release
		})
	}
	return rules, err
}

func TestPublishedRulesFillDoesNotResurrectStaleSet(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine()
	require.NoError(t, err)

	store := &pausingStore{
		RuleStore: repository.NewMemory(),
		listed:    make(chan struct{}),
		release:   make(chan struct{}),
	}
	svc := NewService(store, cache.NewLRUCache(100), nil, engine, time.Minute)

	input := discountInput("Shoe sale")
	input.Status = domain.RulePublished
	rule, err := svc.Create(ctx, input)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.PublishedRules(ctx)
		assert.NoError(t, err)
	}()

	<-store.listed
	go func() {
		defer wg.Done()
		_, err := svc.Update(ctx, rule.ID, domain.RulePatch{
			Actions: []domain.Action{{Type: domain.ActionDiscountPercent, Value: 99}},
		})
		assert.NoError(t, err)
	}()

	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	published, err := svc.PublishedRules(ctx)
	require.NoError(t, err)
	require.Len(t, published, 1)
	require.Len(t, published[0].Actions, 1)
	assert.Equal(t, 99.0, published[0].Actions[0].Value)
}
