package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newIngestor(t *testing.T) (*Ingestor, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	in := NewIngestor(repository.NewMemory())
	in.now = func() time.Time { return clock }
	return in, &clock
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	in, clock := newIngestor(t)

	batch, err := in.Ingest(ctx, []domain.SignalInput{
		{Type: "demand", Value: 0.8},
		{Type: "inventory", Value: map[string]any{"sku": "A1", "units": 4.0}},
	})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.NotEmpty(t, batch[0].ID)
	assert.NotEqual(t, batch[0].ID, batch[1].ID)
	assert.Equal(t, *clock, batch[0].ReceivedAt)
	assert.Equal(t, 0.8, batch[0].Value)

	empty, err := in.Ingest(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = in.Ingest(ctx, []domain.SignalInput{{Type: "demand"}, {Value: 3}})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Contains(t, err.Error(), "items[1].type is required")

	all, err := in.List(ctx, domain.SignalFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "a rejected batch stores nothing")
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	in, clock := newIngestor(t)

	summary, err := in.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
	assert.Nil(t, summary.LastReceivedAt)

	_, err = in.Ingest(ctx, []domain.SignalInput{{Type: "demand", Value: 1}, {Type: "demand", Value: 2}})
	require.NoError(t, err)
	*clock = clock.Add(time.Minute)
	_, err = in.Ingest(ctx, []domain.SignalInput{{Type: "competitor-price", Value: 19.5}})
	require.NoError(t, err)

	summary, err = in.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, map[string]int{"demand": 2, "competitor-price": 1}, summary.Counts)
	require.NotNil(t, summary.LastReceivedAt)
	assert.Equal(t, *clock, *summary.LastReceivedAt)

	latest, err := in.List(ctx, domain.SignalFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "competitor-price", latest[0].Type)

	demand, err := in.List(ctx, domain.SignalFilter{Type: "demand"})
	require.NoError(t, err)
	assert.Len(t, demand, 2)
}

func TestVelocity(t *testing.T) {
	ctx := context.Background()
	in, clock := newIngestor(t)

	for i := 0; i < 3; i++ {
		_, err := in.Ingest(ctx, []domain.SignalInput{{Type: "demand", Value: i}})
		require.NoError(t, err)
		*clock = clock.Add(10 * time.Minute)
	}

	n, err := in.Velocity(ctx, "demand", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = in.Velocity(ctx, "demand", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = in.Velocity(ctx, "inventory", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = in.Velocity(ctx, "", time.Hour)
	assert.True(t, domain.IsValidation(err))
	_, err = in.Velocity(ctx, "demand", 0)
	assert.True(t, domain.IsValidation(err))
}
