// Package signals ingests typed market and store signals and summarizes them.
package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Ingestor is the signal sink.
type Ingestor struct {
	store domain.SignalStore
	now   func() time.Time
}

// NewIngestor creates an ingestor over store.
func NewIngestor(store domain.SignalStore) *Ingestor {
	return &Ingestor{store: store, now: time.Now}
}

// Ingest stamps each item with an id and receive time, stores the batch and
// returns it. The batch is rejected as a whole if any item is invalid.
func (i *Ingestor) Ingest(ctx context.Context, items []domain.SignalInput) ([]*domain.Signal, error) {
	var errs []string
	for n, item := range items {
		var verr *domain.ValidationError
		if err := domain.Validate(item); errors.As(err, &verr) {
			for _, msg := range verr.Errors {
				errs = append(errs, fmt.Sprintf("items[%d].%s", n, msg))
			}
		}
	}
	if len(errs) > 0 {
		return nil, domain.NewValidationError(errs...)
	}

	now := i.now().UTC()
	batch := make([]*domain.Signal, 0, len(items))
	for _, item := range items {
		batch = append(batch, &domain.Signal{
			ID:         uuid.NewString(),
			Type:       item.Type,
			Value:      item.Value,
			ReceivedAt: now,
		})
	}

	if err := i.store.AppendSignals(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to store signals: %w", err)
	}

	for _, s := range batch {
		metrics.SignalsIngested.WithLabelValues(s.Type).Inc()
	}
	slog.Debug("signals ingested", "count", len(batch))
	return batch, nil
}

// List returns signals newest first.
func (i *Ingestor) List(ctx context.Context, filter domain.SignalFilter) ([]*domain.Signal, error) {
	return i.store.ListSignals(ctx, filter)
}

// Summary counts signals by type and reports the latest receive time.
func (i *Ingestor) Summary(ctx context.Context) (*domain.SignalSummary, error) {
	all, err := i.store.ListSignals(ctx, domain.SignalFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}

	summary := &domain.SignalSummary{Total: len(all), Counts: make(map[string]int)}
	for _, s := range all {
		summary.Counts[s.Type]++
		if summary.LastReceivedAt == nil || s.ReceivedAt.After(*summary.LastReceivedAt) {
			t := s.ReceivedAt
			summary.LastReceivedAt = &t
		}
	}
	return summary, nil
}
