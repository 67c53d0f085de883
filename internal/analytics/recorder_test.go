package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func TestRecord(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(repository.NewMemory())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	ev, err := r.Record(ctx, domain.AnalyticsEvent{Type: "price.viewed", Payload: map[string]any{"ruleId": "r1"}})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, fixed, ev.Timestamp)

	earlier := fixed.Add(-time.Hour)
	kept, err := r.Record(ctx, domain.AnalyticsEvent{Type: "price.viewed", Timestamp: earlier})
	require.NoError(t, err)
	assert.Equal(t, earlier, kept.Timestamp)

	_, err = r.Record(ctx, domain.AnalyticsEvent{})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestListAndSummary(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(repository.NewMemory())

	inputs := []domain.AnalyticsEvent{
		{Type: "price.evaluated", Payload: map[string]any{"ruleId": "r1"}},
		{Type: "rule.changed", Payload: map[string]any{"ruleId": "r1"}},
		{Type: "price.evaluated", Payload: map[string]any{"ruleId": "r2"}},
		{Type: "checkout"},
	}
	for _, in := range inputs {
		_, err := r.Record(ctx, in)
		require.NoError(t, err)
	}

	all, err := r.List(ctx, domain.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "price.evaluated", all[0].Type)
	assert.Equal(t, "checkout", all[3].Type)

	byType, err := r.List(ctx, domain.EventFilter{Type: "price.evaluated"})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byRule, err := r.List(ctx, domain.EventFilter{RuleID: "r1"})
	require.NoError(t, err)
	assert.Len(t, byRule, 2)

	both, err := r.List(ctx, domain.EventFilter{Type: "price.evaluated", RuleID: "r2"})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "r2", both[0].RuleID())

	summary, err := r.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, map[string]int{"price.evaluated": 2, "rule.changed": 1, "checkout": 1}, summary.Counts)
}
