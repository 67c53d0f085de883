package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Velocity returns how many signals of signalType arrived within window.
func (i *Ingestor) Velocity(ctx context.Context, signalType string, window time.Duration) (int, error) {
	if signalType == "" {
		return 0, domain.NewValidationError("type is required")
	}
	if window <= 0 {
		return 0, domain.NewValidationError("window must be greater than 0")
	}

	signals, err := i.store.ListSignals(ctx, domain.SignalFilter{Type: signalType})
	if err != nil {
		return 0, fmt.Errorf("failed to list signals: %w", err)
	}

	since := i.now().UTC().Add(-window)
	count := 0
	for _, s := range signals {
		// Newest first, so stop at the first one outside the window.
		if s.ReceivedAt.Before(since) {
			break
		}
		count++
	}
	return count, nil
}
