package experiment

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sampler picks a variant index from per-variant statistics.
type Sampler interface {
	Sample(stats []domain.VariantStat) int
}

// ThompsonSampler draws each variant's conversion rate from Beta(alpha, beta)
// and picks the highest draw.
type ThompsonSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewThompsonSampler creates a sampler. A nil rng seeds from the runtime.
func NewThompsonSampler(rng *rand.Rand) *ThompsonSampler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &ThompsonSampler{rng: rng}
}

// Sample returns the index of the best draw. It returns 0 for an empty
// slice or when no draw is positive.
func (s *ThompsonSampler) Sample(stats []domain.VariantStat) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	best, bestDraw := 0, 0.0
	for i, st := range stats {
		draw := s.beta(st.Alpha, st.Beta)
		if draw > bestDraw {
			best, bestDraw = i, draw
		}
	}
	return best
}

func (s *ThompsonSampler) beta(alpha, beta float64) float64 {
	x := s.gamma(alpha)
	y := s.gamma(beta)
	if x+y == 0 {
		return 0
	}
	return x / (x + y)
}

// gamma draws from Gamma(shape, 1) with Marsaglia-Tsang. Shapes below one
// use the U^(1/shape) approximation; the Beta(1,1) prior keeps bandit
// shapes at or above one.
func (s *ThompsonSampler) gamma(shape float64) float64 {
	if shape <= 0 {
		return 0
	}
	if shape < 1 {
		return math.Pow(s.rng.Float64(), 1/shape)
	}

	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := s.normal()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := s.rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// normal draws a standard normal with the Box-Muller transform.
func (s *ThompsonSampler) normal() float64 {
	u1 := 1 - s.rng.Float64() // (0, 1]
	u2 := s.rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
