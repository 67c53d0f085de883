// Package stats holds the small amount of statistics used by experiment results.
package stats

import "math"

// DefaultConfidence is the confidence level used for result intervals.
const DefaultConfidence = 0.95

// WilsonInterval returns the Wilson score interval for successes out of
// trials at the given confidence. Zero trials give (0, 0).
func WilsonInterval(successes, trials int, confidence float64) (lower, upper float64) {
	if trials <= 0 {
		return 0, 0
	}
	if successes < 0 {
		successes = 0
	}
	if successes > trials {
		successes = trials
	}

	z := ZScore(confidence)
	n := float64(trials)
	p := float64(successes) / n
	z2 := z * z

	denominator := 1 + z2/n
	center := (p + z2/(2*n)) / denominator
	spread := (z / denominator) * math.Sqrt(p*(1-p)/n+z2/(4*n*n))

	return math.Max(0, center-spread), math.Min(1, center+spread)
}

// ZScore returns the two-sided z value for common confidence levels.
// Anything else falls back to 95%.
func ZScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.576
	case confidence >= 0.95:
		return 1.96
	case confidence >= 0.90:
		return 1.645
	case confidence >= 0.80:
		return 1.282
	default:
		return 1.96
	}
}
