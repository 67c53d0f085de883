// Package analytics is the append-only analytics event log.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Recorder appends and queries analytics events.
type Recorder struct {
	store domain.EventStore
	now   func() time.Time
}

// NewRecorder creates a recorder over store.
func NewRecorder(store domain.EventStore) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record stamps event with an id and, when unset, a timestamp, then appends it.
func (r *Recorder) Record(ctx context.Context, event domain.AnalyticsEvent) (*domain.AnalyticsEvent, error) {
	if err := domain.Validate(event); err != nil {
		return nil, err
	}

	event.ID = uuid.NewString()
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	event.Timestamp = event.Timestamp.UTC()

	if err := r.store.AppendEvent(ctx, &event); err != nil {
		return nil, fmt.Errorf("failed to store event: %w", err)
	}

	metrics.AnalyticsEvents.WithLabelValues(event.Type).Inc()
	return &event, nil
}

// List returns events matching filter, oldest first.
func (r *Recorder) List(ctx context.Context, filter domain.EventFilter) ([]*domain.AnalyticsEvent, error) {
	return r.store.ListEvents(ctx, filter)
}

// Summary counts events by type.
func (r *Recorder) Summary(ctx context.Context) (*domain.EventSummary, error) {
	events, err := r.store.ListEvents(ctx, domain.EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	summary := &domain.EventSummary{Total: len(events), Counts: make(map[string]int)}
	for _, e := range events {
		summary.Counts[e.Type]++
	}
	return summary, nil
}
