package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWilsonInterval(t *testing.T) {
	t.Run("no trials", func(t *testing.T) {
		lo, hi := WilsonInterval(0, 0, DefaultConfidence)
		assert.Zero(t, lo)
		assert.Zero(t, hi)
	})

	t.Run("half", func(t *testing.T) {
		lo, hi := WilsonInterval(50, 100, DefaultConfidence)
		assert.InDelta(t, 0.4038, lo, 0.001)
		assert.InDelta(t, 0.5962, hi, 0.001)
	})

	t.Run("contains the observed rate", func(t *testing.T) {
		for _, c := range []struct{ s, n int }{{1, 10}, {9, 10}, {3, 1000}, {700, 1000}} {
			lo, hi := WilsonInterval(c.s, c.n, DefaultConfidence)
			p := float64(c.s) / float64(c.n)
			assert.LessOrEqual(t, lo, p)
			assert.GreaterOrEqual(t, hi, p)
		}
	})

	t.Run("bounded", func(t *testing.T) {
		lo, hi := WilsonInterval(0, 5, DefaultConfidence)
		assert.Zero(t, lo)
		assert.Less(t, hi, 1.0)

		lo, hi = WilsonInterval(5, 5, DefaultConfidence)
		assert.Greater(t, lo, 0.0)
		assert.InDelta(t, 1.0, hi, 1e-9)

		lo, hi = WilsonInterval(7, 5, DefaultConfidence)
		assert.GreaterOrEqual(t, lo, 0.0)
		assert.LessOrEqual(t, hi, 1.0)
	})

	t.Run("narrows with more trials", func(t *testing.T) {
		lo1, hi1 := WilsonInterval(10, 100, DefaultConfidence)
		lo2, hi2 := WilsonInterval(100, 1000, DefaultConfidence)
		assert.Less(t, hi2-lo2, hi1-lo1)
	})

	t.Run("wider at higher confidence", func(t *testing.T) {
		lo90, hi90 := WilsonInterval(30, 100, 0.90)
		lo99, hi99 := WilsonInterval(30, 100, 0.99)
		assert.Greater(t, hi99-lo99, hi90-lo90)
	})
}

func TestZScore(t *testing.T) {
	assert.Equal(t, 1.96, ZScore(0.95))
	assert.Equal(t, 2.576, ZScore(0.99))
	assert.Equal(t, 1.645, ZScore(0.90))
	assert.Equal(t, 1.96, ZScore(0.5))
}
