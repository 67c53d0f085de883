package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func f(v float64) *float64 { return &v }

func newAllocator(t *testing.T) *Allocator {
	t.Helper()
	return NewAllocator(repository.NewMemory(), nil, 42)
}

func twoVariants(strategy domain.AllocationStrategy) domain.ExperimentInput {
	return domain.ExperimentInput{
		Name:               "checkout price",
		AllocationStrategy: strategy,
		Variants: []domain.VariantInput{
			{ID: "control", Name: "Control"},
			{ID: "treatment", Name: "Treatment"},
		},
	}
}

func startExperiment(t *testing.T, a *Allocator, input domain.ExperimentInput) *domain.Experiment {
	t.Helper()
	exp, err := a.Create(context.Background(), input)
	require.NoError(t, err)
	exp, err = a.Start(context.Background(), exp.ID)
	require.NoError(t, err)
	return exp
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)

	exp, err := a.Create(ctx, domain.ExperimentInput{
		Name:     "defaults",
		Variants: []domain.VariantInput{{Name: "A"}, {Name: "B", Weight: 3}},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, exp.ID)
	assert.Equal(t, domain.ExperimentDraft, exp.Status)
	assert.Equal(t, domain.AllocationRandom, exp.AllocationStrategy)
	assert.Equal(t, domain.ScopeGlobal, exp.Scope)
	require.Len(t, exp.Variants, 2)
	assert.Equal(t, "variant-1", exp.Variants[0].ID)
	assert.Equal(t, 1.0, exp.Variants[0].Weight)
	assert.Equal(t, 3.0, exp.Variants[1].Weight)
	for _, v := range exp.Variants {
		assert.Equal(t, domain.VariantStat{Alpha: 1, Beta: 1}, exp.Stats[v.ID])
	}

	stored, err := a.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.Name, stored.Name)

	invalid := []struct {
		name  string
		input domain.ExperimentInput
	}{
		{"no variants", domain.ExperimentInput{Name: "x"}},
		{"empty variants", domain.ExperimentInput{Name: "x", Variants: []domain.VariantInput{}}},
		{"no name", domain.ExperimentInput{Variants: []domain.VariantInput{{Name: "A"}}}},
		{"unknown strategy", domain.ExperimentInput{Name: "x", AllocationStrategy: "epsilon", Variants: []domain.VariantInput{{Name: "A"}}}},
		{"negative weight", domain.ExperimentInput{Name: "x", Variants: []domain.VariantInput{{Name: "A", Weight: -1}}}},
		{"duplicate ids", domain.ExperimentInput{Name: "x", Variants: []domain.VariantInput{{ID: "a", Name: "A"}, {ID: "a", Name: "B"}}}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Create(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err))
		})
	}
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)

	exp, err := a.Create(ctx, twoVariants(domain.AllocationRoundRobin))
	require.NoError(t, err)

	_, err = a.Pause(ctx, exp.ID, "early")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	_, err = a.Complete(ctx, exp.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	running, err := a.Start(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	startedAt := *running.StartedAt

	paused, err := a.Pause(ctx, exp.ID, "holiday freeze")
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentPaused, paused.Status)
	assert.Equal(t, "holiday freeze", paused.PauseReason)

	resumed, err := a.Start(ctx, exp.ID)
	require.NoError(t, err)
	assert.Empty(t, resumed.PauseReason)
	assert.Equal(t, startedAt, *resumed.StartedAt)

	done, err := a.Complete(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	for _, op := range []func() (*domain.Experiment, error){
		func() (*domain.Experiment, error) { return a.Start(ctx, exp.ID) },
		func() (*domain.Experiment, error) { return a.Pause(ctx, exp.ID, "") },
		func() (*domain.Experiment, error) { return a.Complete(ctx, exp.ID) },
	} {
		_, err := op()
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	}

	_, err = a.Start(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)

	_, err := a.Create(ctx, twoVariants(domain.AllocationRandom))
	require.NoError(t, err)
	startExperiment(t, a, twoVariants(domain.AllocationRandom))

	all, err := a.List(ctx, domain.ExperimentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := a.List(ctx, domain.ExperimentFilter{Status: domain.ExperimentRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestAssignVariant(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)

	t.Run("unknown experiment", func(t *testing.T) {
		_, err := a.AssignVariant(ctx, "missing", "u1", nil)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("not running", func(t *testing.T) {
		exp, err := a.Create(ctx, twoVariants(domain.AllocationRandom))
		require.NoError(t, err)
		got, err := a.AssignVariant(ctx, exp.ID, "u1", nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("missing user", func(t *testing.T) {
		exp := startExperiment(t, a, twoVariants(domain.AllocationRandom))
		_, err := a.AssignVariant(ctx, exp.ID, "", nil)
		assert.True(t, domain.IsValidation(err))
	})

	t.Run("idempotent", func(t *testing.T) {
		exp := startExperiment(t, a, twoVariants(domain.AllocationRandom))
		first, err := a.AssignVariant(ctx, exp.ID, "user-1", map[string]any{"country": "DE"})
		require.NoError(t, err)
		require.NotNil(t, first)

		for i := 0; i < 10; i++ {
			again, err := a.AssignVariant(ctx, exp.ID, "user-1", nil)
			require.NoError(t, err)
			assert.Equal(t, first.VariantID, again.VariantID)
			assert.Equal(t, first.AssignedAt, again.AssignedAt)
		}

		stored, err := a.Get(ctx, exp.ID)
		require.NoError(t, err)
		total := 0
		for _, st := range stored.Stats {
			total += st.Assignments
		}
		assert.Equal(t, 1, total)
	})

	t.Run("paused experiment keeps assignments but assigns nothing", func(t *testing.T) {
		exp := startExperiment(t, a, twoVariants(domain.AllocationRandom))
		_, err := a.AssignVariant(ctx, exp.ID, "u1", nil)
		require.NoError(t, err)
		_, err = a.Pause(ctx, exp.ID, "")
		require.NoError(t, err)

		got, err := a.AssignVariant(ctx, exp.ID, "u1", nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestConcurrentAssignmentSingleWinner(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)
	exp := startExperiment(t, a, twoVariants(domain.AllocationRandom))

	var wg sync.WaitGroup
	variants := make([]string, 32)
	for i := range variants {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := a.AssignVariant(ctx, exp.ID, "same-user", nil)
			if err == nil && got != nil {
				variants[i] = got.VariantID
			}
		}(i)
	}
	wg.Wait()

	for _, v := range variants {
		assert.Equal(t, variants[0], v)
	}

	stored, err := a.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stats["control"].Assignments+stored.Stats["treatment"].Assignments)
}

func TestRoundRobin(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)
	input := twoVariants(domain.AllocationRoundRobin)
	input.Variants = append(input.Variants, domain.VariantInput{ID: "third", Name: "Third"})
	exp := startExperiment(t, a, input)

	got := []string{}
	for i := 0; i < 6; i++ {
		as, err := a.AssignVariant(ctx, exp.ID, fmt.Sprintf("user-%d", i), nil)
		require.NoError(t, err)
		got = append(got, as.VariantID)
	}
	assert.Equal(t, []string{"control", "treatment", "third", "control", "treatment", "third"}, got)
}

func TestWeightedRandom(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)
	exp := startExperiment(t, a, domain.ExperimentInput{
		Name: "weighted",
		Variants: []domain.VariantInput{
			{ID: "heavy", Name: "Heavy", Weight: 3},
			{ID: "light", Name: "Light", Weight: 1},
		},
	})

	const users = 4000
	for i := 0; i < users; i++ {
		_, err := a.AssignVariant(ctx, exp.ID, fmt.Sprintf("user-%d", i), nil)
		require.NoError(t, err)
	}

	stored, err := a.Get(ctx, exp.ID)
	require.NoError(t, err)
	share := float64(stored.Stats["heavy"].Assignments) / users
	assert.InDelta(t, 0.75, share, 0.05)
}

func TestBanditConvergence(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)
	exp := startExperiment(t, a, domain.ExperimentInput{
		Name:               "bandit",
		AllocationStrategy: domain.AllocationBandit,
		Variants: []domain.VariantInput{
			{ID: "weak", Name: "Weak"},
			{ID: "strong", Name: "Strong"},
		},
	})

	trueRate := map[string]float64{"weak": 0.05, "strong": 0.30}
	world := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 2000; i++ {
		user := fmt.Sprintf("user-%d", i)
		as, err := a.AssignVariant(ctx, exp.ID, user, nil)
		require.NoError(t, err)
		converted := world.Float64() < trueRate[as.VariantID]
		_, err = a.RecordOutcome(ctx, exp.ID, user, domain.Outcome{Converted: converted})
		require.NoError(t, err)
	}

	stored, err := a.Get(ctx, exp.ID)
	require.NoError(t, err)
	strong := stored.Stats["strong"].Assignments
	weak := stored.Stats["weak"].Assignments
	assert.Greater(t, strong, weak*3, "strong=%d weak=%d", strong, weak)

	res, err := a.Results(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, "strong", res.Metrics.LeadingVariantID)
}

func TestRecordOutcome(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)
	exp := startExperiment(t, a, twoVariants(domain.AllocationRoundRobin))

	as, err := a.AssignVariant(ctx, exp.ID, "buyer", nil)
	require.NoError(t, err)

	stat, err := a.RecordOutcome(ctx, exp.ID, "buyer", domain.Outcome{Converted: true, Revenue: f(19.99)})
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, 1, stat.Conversions)
	assert.Equal(t, 2.0, stat.Alpha)
	assert.Equal(t, 1.0, stat.Beta)
	assert.InDelta(t, 19.99, stat.Revenue, 1e-9)

	stat, err = a.RecordOutcome(ctx, exp.ID, "buyer", domain.Outcome{Converted: false})
	require.NoError(t, err)
	assert.Equal(t, 2.0, stat.Beta)

	stored, err := a.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, *stat, stored.Stats[as.VariantID])

	t.Run("unassigned user", func(t *testing.T) {
		got, err := a.RecordOutcome(ctx, exp.ID, "stranger", domain.Outcome{Converted: true})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("not running", func(t *testing.T) {
		_, err := a.Complete(ctx, exp.ID)
		require.NoError(t, err)
		got, err := a.RecordOutcome(ctx, exp.ID, "buyer", domain.Outcome{Converted: true})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("unknown experiment", func(t *testing.T) {
		_, err := a.RecordOutcome(ctx, "missing", "buyer", domain.Outcome{})
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestAutoPauseOnConversionRate(t *testing.T) {
	ctx := context.Background()
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	paused := make(chan PauseEvent, 1)
	_, err := eventBus.Subscribe(ctx, domain.TopicExperimentPaused, func(ctx context.Context, msg *domain.Message) error {
		var ev PauseEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		paused <- ev
		return nil
	})
	require.NoError(t, err)

	a := NewAllocator(repository.NewMemory(), eventBus, 1)
	exp := startExperiment(t, a, domain.ExperimentInput{
		Name:                      "guarded",
		Variants:                  []domain.VariantInput{{ID: "only", Name: "Only"}},
		Guardrails:                domain.ExperimentGuardrails{MinConversionRate: f(0.05)},
		AutoStopOnGuardrailBreach: true,
	})

	for i := 0; i < 150; i++ {
		_, err := a.AssignVariant(ctx, exp.ID, fmt.Sprintf("user-%d", i), nil)
		require.NoError(t, err)
	}
	for i := 0; i < 150; i++ {
		_, err := a.RecordOutcome(ctx, exp.ID, fmt.Sprintf("user-%d", i), domain.Outcome{Converted: false})
		require.NoError(t, err)
	}

	stored, err := a.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentPaused, stored.Status)
	assert.Contains(t, stored.PauseReason, "conversion rate")

	select {
	case ev := <-paused:
		assert.Equal(t, exp.ID, ev.ExperimentID)
		assert.Equal(t, "only", ev.VariantID)
	case <-time.After(time.Second):
		t.Fatal("no pause event published")
	}

	// A paused experiment can be resumed by hand.
	_, err = a.Start(ctx, exp.ID)
	require.NoError(t, err)
}

func TestNoAutoPauseWhenDisabledOrTooFewAssignments(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, users int, autoStop bool) domain.ExperimentStatus {
		a := newAllocator(t)
		exp := startExperiment(t, a, domain.ExperimentInput{
			Name:                      "guarded",
			Variants:                  []domain.VariantInput{{ID: "only", Name: "Only"}},
			Guardrails:                domain.ExperimentGuardrails{MinConversionRate: f(0.05)},
			AutoStopOnGuardrailBreach: autoStop,
		})
		for i := 0; i < users; i++ {
			user := fmt.Sprintf("user-%d", i)
			_, err := a.AssignVariant(ctx, exp.ID, user, nil)
			require.NoError(t, err)
			_, err = a.RecordOutcome(ctx, exp.ID, user, domain.Outcome{})
			require.NoError(t, err)
		}
		stored, err := a.Get(ctx, exp.ID)
		require.NoError(t, err)
		return stored.Status
	}

	assert.Equal(t, domain.ExperimentRunning, run(t, 100, true))
	assert.Equal(t, domain.ExperimentRunning, run(t, 150, false))
	assert.Equal(t, domain.ExperimentPaused, run(t, 101, true))
}

func TestCheckGuardrails(t *testing.T) {
	exp := &domain.Experiment{
		Variants: []domain.Variant{{ID: "a"}, {ID: "b"}},
		Stats: map[string]domain.VariantStat{
			"a": {Assignments: 50, Conversions: 10, Revenue: 100},
			"b": {Assignments: 50, Conversions: 0},
		},
		Guardrails: domain.ExperimentGuardrails{MinAverageRevenue: f(12)},
	}

	id, reason, hit := CheckGuardrails(exp)
	assert.True(t, hit)
	assert.Equal(t, "a", id)
	assert.Contains(t, reason, "average revenue")

	exp.Guardrails.MinAverageRevenue = f(10)
	_, _, hit = CheckGuardrails(exp)
	assert.False(t, hit)

	exp.Guardrails = domain.ExperimentGuardrails{}
	_, _, hit = CheckGuardrails(exp)
	assert.False(t, hit)
}

func TestResults(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)
	exp := startExperiment(t, a, twoVariants(domain.AllocationRoundRobin))

	// control: 2 users, 1 conversion worth 30; treatment: 1 user, none.
	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := a.AssignVariant(ctx, exp.ID, user, nil)
		require.NoError(t, err)
	}
	_, err := a.RecordOutcome(ctx, exp.ID, "u1", domain.Outcome{Converted: true, Revenue: f(30)})
	require.NoError(t, err)

	res, err := a.Results(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.ID, res.Experiment.ID)
	assert.Equal(t, 3, res.Metrics.TotalAssignments)
	require.Len(t, res.Metrics.Variants, 2)

	control := res.Metrics.Variants[0]
	assert.Equal(t, "control", control.VariantID)
	assert.Equal(t, "Control", control.VariantName)
	assert.Equal(t, 2, control.Assignments)
	assert.Equal(t, 0.5, control.ConversionRate)
	assert.Equal(t, 30.0, control.AverageRevenue)
	assert.Less(t, control.CILower, 0.5)
	assert.Greater(t, control.CIUpper, 0.5)

	treatment := res.Metrics.Variants[1]
	assert.Zero(t, treatment.ConversionRate)
	assert.Zero(t, treatment.AverageRevenue)
	assert.Equal(t, "control", res.Metrics.LeadingVariantID)

	_, err = a.Results(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSummarizeEmpty(t *testing.T) {
	m := Summarize(&domain.Experiment{
		Variants: []domain.Variant{{ID: "a", Name: "A"}},
		Stats:    map[string]domain.VariantStat{"a": domain.NewVariantStat()},
	})
	assert.Zero(t, m.TotalAssignments)
	assert.Empty(t, m.LeadingVariantID)
	require.Len(t, m.Variants, 1)
	assert.Zero(t, m.Variants[0].ConversionRate)
	assert.Zero(t, m.Variants[0].CIUpper)
}

type fixedSampler int

func (s fixedSampler) Sample([]domain.VariantStat) int { return int(s) }

func TestBanditUsesSampler(t *testing.T) {
	ctx := context.Background()
	a := newAllocator(t)
	exp := startExperiment(t, a, twoVariants(domain.AllocationBandit))

	a.UseSampler(fixedSampler(1))
	as, err := a.AssignVariant(ctx, exp.ID, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, "treatment", as.VariantID)

	a.UseSampler(fixedSampler(9))
	as, err = a.AssignVariant(ctx, exp.ID, "u2", nil)
	require.NoError(t, err)
	assert.Equal(t, "control", as.VariantID)
}

// gatedStore pauses the first UpdateExperiment callback until released.
type gatedStore struct {
	domain.ExperimentStore
	once    sync.Once
	inside  chan struct{}
	release chan struct{}
}

func (g *gatedStore) UpdateExperiment(ctx context.Context, id string, fn func(domain.ExperimentTx, *domain.Experiment) error) (*domain.Experiment, error) {
	return g.ExperimentStore.UpdateExperiment(ctx, id, func(tx domain.ExperimentTx, exp *domain.Experiment) error {
		g.once.Do(func() {
			close(g.inside)
			<-g.release
		})
		return fn(tx, exp)
	})
}

func TestOutcomesFromTwoNodesAreNotLost(t *testing.T) {
	ctx := context.Background()
	shared := repository.NewMemory()

	nodeA := NewAllocator(shared, nil, 1)
	exp := startExperiment(t, nodeA, domain.ExperimentInput{
		Name:     "one arm",
		Variants: []domain.VariantInput{{ID: "only", Name: "Only"}},
	})
	_, err := nodeA.AssignVariant(ctx, exp.ID, "u1", nil)
	require.NoError(t, err)
	_, err = nodeA.AssignVariant(ctx, exp.ID, "u2", nil)
	require.NoError(t, err)

	gated := &gatedStore{
		ExperimentStore: shared,
		inside:          make(chan struct{}),
		release:         make(chan struct{}),
	}
	nodeB := NewAllocator(gated, nil, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := nodeB.RecordOutcome(ctx, exp.ID, "u2", domain.Outcome{Converted: true})
		assert.NoError(t, err)
	}()

	<-gated.inside
	go func() {
		defer wg.Done()
		_, err := nodeA.RecordOutcome(ctx, exp.ID, "u1", domain.Outcome{Converted: true})
		assert.NoError(t, err)
	}()

	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	wg.Wait()

	stored, err := shared.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	stat := stored.Stats["only"]
	assert.Equal(t, 2, stat.Assignments)
	assert.Equal(t, 2, stat.Conversions)
	assert.Equal(t, 3.0, stat.Alpha)
}

// failingSaveStore runs the callback and then fails the commit.
type failingSaveStore struct {
	domain.ExperimentStore
	fail bool
}

func (s *failingSaveStore) UpdateExperiment(ctx context.Context, id string, fn func(domain.ExperimentTx, *domain.Experiment) error) (*domain.Experiment, error) {
	return s.ExperimentStore.UpdateExperiment(ctx, id, func(tx domain.ExperimentTx, exp *domain.Experiment) error {
		if err := fn(tx, exp); err != nil {
			return err
		}
		if s.fail {
			return errors.New("disk full")
		}
		return nil
	})
}

func TestFailedAssignmentLeavesNoOrphan(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := &failingSaveStore{ExperimentStore: repo}
	a := NewAllocator(store, nil, 3)
	exp := startExperiment(t, a, twoVariants(domain.AllocationRoundRobin))

	store.fail = true
	_, err := a.AssignVariant(ctx, exp.ID, "u1", nil)
	require.EqualError(t, err, "disk full")

	_, err = repo.GetAssignment(ctx, exp.ID, "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	store.fail = false
	assignment, err := a.AssignVariant(ctx, exp.ID, "u1", nil)
	require.NoError(t, err)
	require.NotNil(t, assignment)

	stored, err := repo.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stats[assignment.VariantID].Assignments)
}
