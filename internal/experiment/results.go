package experiment

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// Results returns an experiment with its per-variant metrics.
func (a *Allocator) Results(ctx context.Context, id string) (*domain.ExperimentResults, error) {
	exp, err := a.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	return &domain.ExperimentResults{Experiment: exp, Metrics: Summarize(exp)}, nil
}

// Summarize computes variant metrics. Zero denominators yield zero rates.
// The leading variant has the highest conversion rate among variants with
// at least one assignment; ties go to the earlier variant.
func Summarize(exp *domain.Experiment) domain.ExperimentMetrics {
	m := domain.ExperimentMetrics{Variants: make([]domain.VariantMetrics, 0, len(exp.Variants))}

	bestRate := -1.0
	for _, v := range exp.Variants {
		st := exp.Stats[v.ID]
		row := domain.VariantMetrics{
			VariantID:   v.ID,
			VariantName: v.Name,
			Assignments: st.Assignments,
			Conversions: st.Conversions,
			Revenue:     st.Revenue,
		}
		if st.Assignments > 0 {
			row.ConversionRate = float64(st.Conversions) / float64(st.Assignments)
			row.CILower, row.CIUpper = stats.WilsonInterval(st.Conversions, st.Assignments, stats.DefaultConfidence)
			if row.ConversionRate > bestRate {
				bestRate = row.ConversionRate
				m.LeadingVariantID = v.ID
			}
		}
		if st.Conversions > 0 {
			row.AverageRevenue = st.Revenue / float64(st.Conversions)
		}

		m.TotalAssignments += st.Assignments
		m.Variants = append(m.Variants, row)
	}
	return m
}
