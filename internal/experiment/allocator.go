// Package experiment implements the pricing experiment allocator: the
// experiment state machine, variant assignment and outcome tracking.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// minAssignmentsForRateCheck is the per-variant assignment count a variant
// must exceed before minConversionRate is checked.
const minAssignmentsForRateCheck = 100

// OutcomeEvent is published on kestrel.experiment.outcome.
type OutcomeEvent struct {
	ExperimentID string   `json:"experimentId"`
	UserID       string   `json:"userId"`
	VariantID    string   `json:"variantId"`
	Converted    bool     `json:"converted"`
	Revenue      *float64 `json:"revenue,omitempty"`
}

// PauseEvent is published on kestrel.experiment.paused when a guardrail
// breach stops an experiment.
type PauseEvent struct {
	ExperimentID string `json:"experimentId"`
	VariantID    string `json:"variantId"`
	Reason       string `json:"reason"`
}

// Allocator runs experiments. Operations on one experiment are serialized
// through the store, so allocators on different nodes may share it.
type Allocator struct {
	store   domain.ExperimentStore
	bus     domain.EventBus
	sampler Sampler

	rngMu sync.Mutex
	rng   *rand.Rand

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewAllocator creates an allocator. A zero seed draws one from the runtime.
// eventBus may be nil.
func NewAllocator(store domain.ExperimentStore, eventBus domain.EventBus, seed uint64) *Allocator {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Allocator{
		store:   store,
		bus:     eventBus,
		sampler: NewThompsonSampler(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))),
		rng:     rand.New(rand.NewPCG(seed, seed>>1)),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// UseSampler replaces the bandit sampler.
func (a *Allocator) UseSampler(s Sampler) {
	a.sampler = s
}

// Create validates input and stores a draft experiment.
func (a *Allocator) Create(ctx context.Context, input domain.ExperimentInput) (*domain.Experiment, error) {
	if err := domain.Validate(input); err != nil {
		return nil, err
	}

	exp := &domain.Experiment{
		ID:                        uuid.NewString(),
		Name:                      input.Name,
		Description:               input.Description,
		Status:                    domain.ExperimentDraft,
		AllocationStrategy:        input.AllocationStrategy,
		Scope:                     input.Scope,
		ScopeValue:                input.ScopeValue,
		Guardrails:                input.Guardrails,
		AutoStopOnGuardrailBreach: input.AutoStopOnGuardrailBreach,
		Stats:                     make(map[string]domain.VariantStat, len(input.Variants)),
	}
	if exp.AllocationStrategy == "" {
		exp.AllocationStrategy = domain.AllocationRandom
	}
	if exp.Scope == "" {
		exp.Scope = domain.ScopeGlobal
	}

	var errs []string
	for i, in := range input.Variants {
		v := domain.Variant{ID: in.ID, Name: in.Name, Weight: in.Weight}
		if v.ID == "" {
			v.ID = "variant-" + strconv.Itoa(i+1)
		}
		if v.Weight == 0 {
			v.Weight = 1
		}
		if _, dup := exp.Stats[v.ID]; dup {
			errs = append(errs, fmt.Sprintf("variants[%d].id %s is duplicated", i, v.ID))
			continue
		}
		exp.Variants = append(exp.Variants, v)
		exp.Stats[v.ID] = domain.NewVariantStat()
	}
	if len(errs) > 0 {
		return nil, domain.NewValidationError(errs...)
	}

	now := a.now().UTC()
	exp.CreatedAt = now
	exp.UpdatedAt = now

	if err := a.store.SaveExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("failed to save experiment: %w", err)
	}

	slog.Info("experiment created",
		"experiment_id", exp.ID,
		"strategy", exp.AllocationStrategy,
		"variants", len(exp.Variants),
	)
	return exp, nil
}

// Get returns an experiment.
func (a *Allocator) Get(ctx context.Context, id string) (*domain.Experiment, error) {
	return a.store.GetExperiment(ctx, id)
}

// List returns experiments matching filter.
func (a *Allocator) List(ctx context.Context, filter domain.ExperimentFilter) ([]*domain.Experiment, error) {
	return a.store.ListExperiments(ctx, filter)
}

// Start moves a draft or paused experiment to running.
func (a *Allocator) Start(ctx context.Context, id string) (*domain.Experiment, error) {
	return a.transition(ctx, id, domain.ExperimentRunning, "")
}

// Pause moves a running experiment to paused.
func (a *Allocator) Pause(ctx context.Context, id, reason string) (*domain.Experiment, error) {
	return a.transition(ctx, id, domain.ExperimentPaused, reason)
}

// Complete moves a running experiment to completed. Completed is terminal.
func (a *Allocator) Complete(ctx context.Context, id string) (*domain.Experiment, error) {
	return a.transition(ctx, id, domain.ExperimentCompleted, "")
}

func (a *Allocator) transition(ctx context.Context, id string, to domain.ExperimentStatus, reason string) (*domain.Experiment, error) {
	unlock := a.lock(id)
	defer unlock()

	var from domain.ExperimentStatus
	exp, err := a.store.UpdateExperiment(ctx, id, func(_ domain.ExperimentTx, exp *domain.Experiment) error {
		if !domain.CanTransition(exp.Status, to) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, exp.Status, to)
		}

		now := a.now().UTC()
		from = exp.Status
		exp.Status = to
		exp.UpdatedAt = now
		switch to {
		case domain.ExperimentRunning:
			exp.PauseReason = ""
			if exp.StartedAt == nil {
				exp.StartedAt = &now
			}
		case domain.ExperimentPaused:
			exp.PauseReason = reason
		case domain.ExperimentCompleted:
			exp.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("experiment status changed", "experiment_id", id, "from", from, "to", to)
	return exp, nil
}

// errUnchanged ends an UpdateExperiment callback without writing.
var errUnchanged = errors.New("experiment unchanged")

// AssignVariant assigns userID to a variant. A user keeps the first variant
// they were given. It returns nil when the experiment is not running.
func (a *Allocator) AssignVariant(ctx context.Context, experimentID, userID string, attrs map[string]any) (*domain.Assignment, error) {
	if userID == "" {
		return nil, domain.NewValidationError("userId is required")
	}

	unlock := a.lock(experimentID)
	defer unlock()

	var assigned *domain.Assignment
	exp, err := a.store.UpdateExperiment(ctx, experimentID, func(tx domain.ExperimentTx, exp *domain.Experiment) error {
		if exp.Status != domain.ExperimentRunning {
			return errUnchanged
		}

		existing, err := tx.GetAssignment(ctx, experimentID, userID)
		if err == nil {
			assigned = existing
			return errUnchanged
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to load assignment: %w", err)
		}

		variant := a.choose(exp)
		stored, created, err := tx.CreateAssignment(ctx, &domain.Assignment{
			ExperimentID: experimentID,
			UserID:       userID,
			VariantID:    variant.ID,
			AssignedAt:   a.now().UTC(),
			Context:      attrs,
		})
		if err != nil {
			return fmt.Errorf("failed to store assignment: %w", err)
		}
		assigned = stored
		if !created {
			return errUnchanged
		}

		stat := exp.Stats[stored.VariantID]
		stat.Assignments++
		exp.Stats[stored.VariantID] = stat
		exp.UpdatedAt = a.now().UTC()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return assigned, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.Assignments.WithLabelValues(string(exp.AllocationStrategy)).Inc()
	a.publish(ctx, domain.TopicExperimentAssigned, assigned)
	return assigned, nil
}

// choose picks a variant according to the experiment's strategy.
func (a *Allocator) choose(exp *domain.Experiment) domain.Variant {
	switch exp.AllocationStrategy {
	case domain.AllocationRoundRobin:
		best := 0
		for i, v := range exp.Variants {
			if exp.Stats[v.ID].Assignments < exp.Stats[exp.Variants[best].ID].Assignments {
				best = i
			}
		}
		return exp.Variants[best]

	case domain.AllocationBandit:
		stats := make([]domain.VariantStat, len(exp.Variants))
		for i, v := range exp.Variants {
			stats[i] = exp.Stats[v.ID]
		}
		i := a.sampler.Sample(stats)
		if i < 0 || i >= len(exp.Variants) {
			i = 0
		}
		return exp.Variants[i]

	default:
		return a.weighted(exp.Variants)
	}
}

func (a *Allocator) weighted(variants []domain.Variant) domain.Variant {
	total := 0.0
	for _, v := range variants {
		total += v.Weight
	}
	if total <= 0 {
		return variants[0]
	}

	a.rngMu.Lock()
	r := a.rng.Float64() * total
	a.rngMu.Unlock()

	for _, v := range variants {
		if r < v.Weight {
			return v
		}
		r -= v.Weight
	}
	return variants[len(variants)-1]
}

// RecordOutcome updates the assigned variant's statistics and runs the
// guardrail check. It returns nil when the experiment is not running or
// the user has no assignment.
func (a *Allocator) RecordOutcome(ctx context.Context, experimentID, userID string, outcome domain.Outcome) (*domain.VariantStat, error) {
	unlock := a.lock(experimentID)
	defer unlock()

	var (
		assignment *domain.Assignment
		stat       domain.VariantStat
		breach     *PauseEvent
	)
	exp, err := a.store.UpdateExperiment(ctx, experimentID, func(tx domain.ExperimentTx, exp *domain.Experiment) error {
		if exp.Status != domain.ExperimentRunning {
			return errUnchanged
		}

		var err error
		assignment, err = tx.GetAssignment(ctx, experimentID, userID)
		if errors.Is(err, domain.ErrNotFound) {
			return errUnchanged
		}
		if err != nil {
			return fmt.Errorf("failed to load assignment: %w", err)
		}

		var ok bool
		stat, ok = exp.Stats[assignment.VariantID]
		if !ok {
			stat = domain.NewVariantStat()
		}
		if outcome.Converted {
			stat.Conversions++
			stat.Alpha++
		} else {
			stat.Beta++
		}
		if outcome.Revenue != nil {
			stat.Revenue += *outcome.Revenue
		}
		exp.Stats[assignment.VariantID] = stat
		exp.UpdatedAt = a.now().UTC()

		if exp.AutoStopOnGuardrailBreach {
			if variantID, reason, hit := CheckGuardrails(exp); hit {
				exp.Status = domain.ExperimentPaused
				exp.PauseReason = reason
				breach = &PauseEvent{ExperimentID: exp.ID, VariantID: variantID, Reason: reason}
			}
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.Outcomes.WithLabelValues(strconv.FormatBool(outcome.Converted)).Inc()
	a.publish(ctx, domain.TopicExperimentOutcome, OutcomeEvent{
		ExperimentID: experimentID,
		UserID:       userID,
		VariantID:    assignment.VariantID,
		Converted:    outcome.Converted,
		Revenue:      outcome.Revenue,
	})

	if breach != nil {
		metrics.AutoPauses.Inc()
		slog.Warn("experiment paused on guardrail breach",
			"experiment_id", exp.ID,
			"variant_id", breach.VariantID,
			"reason", breach.Reason,
		)
		a.publish(ctx, domain.TopicExperimentPaused, breach)
	}

	return &stat, nil
}

// CheckGuardrails reports the first variant, in list order, that breaches
// the experiment guardrails. minConversionRate is only checked once a
// variant has more than 100 assignments; minAverageRevenue once it has a
// conversion.
func CheckGuardrails(exp *domain.Experiment) (variantID, reason string, breached bool) {
	g := exp.Guardrails
	for _, v := range exp.Variants {
		st := exp.Stats[v.ID]

		if g.MinConversionRate != nil && st.Assignments > minAssignmentsForRateCheck {
			rate := float64(st.Conversions) / float64(st.Assignments)
			if rate < *g.MinConversionRate {
				return v.ID, fmt.Sprintf("variant %s conversion rate %.4f below minimum %.4f",
					v.ID, rate, *g.MinConversionRate), true
			}
		}

		if g.MinAverageRevenue != nil && st.Conversions > 0 {
			avg := st.Revenue / float64(st.Conversions)
			if avg < *g.MinAverageRevenue {
				return v.ID, fmt.Sprintf("variant %s average revenue %.2f below minimum %.2f",
					v.ID, avg, *g.MinAverageRevenue), true
			}
		}
	}
	return "", "", false
}

// lock serializes work on one experiment and returns the unlock func.
func (a *Allocator) lock(experimentID string) func() {
	a.locksMu.Lock()
	mu, ok := a.locks[experimentID]
	if !ok {
		mu = &sync.Mutex{}
		a.locks[experimentID] = mu
	}
	a.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (a *Allocator) publish(ctx context.Context, topic string, v any) {
	if err := bus.PublishJSON(ctx, a.bus, topic, v); err != nil {
		slog.Warn("failed to publish experiment event", "topic", topic, "error", err)
	}
}
