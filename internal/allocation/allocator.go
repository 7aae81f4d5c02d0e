// Package allocation spreads capital across several markets by randomized
// search over Kelly-anchored allocations.
//
// This is a naive random search, not an optimizer. Each trial perturbs the
// quarter-Kelly size of every market and keeps the best edge-weighted score.
// There is no convergence guarantee and the true optimum may never be drawn.
//
// Known bias: each trial hands whatever budget is left to the last market in
// the input list, so reordering markets changes the result.
package allocation

import (
	"math"
	"math/rand"

	"github.com/atmx/risk-engine/internal/kelly"
	"github.com/atmx/risk-engine/internal/probability"
)

const (
	// DefaultIterations is the number of random trials per call.
	DefaultIterations = 1000

	// DefaultCapital is used when the caller passes a non-positive capital.
	DefaultCapital = 10000.0

	// noiseWidth is the total width of the uniform noise added to each
	// market's quarter-Kelly fraction, i.e. [-0.05, 0.05].
	noiseWidth = 0.1
)

// Source is the pseudorandom stream consumed by the allocator.
type Source interface {
	Float64() float64
}

// MarketInput is one candidate market.
type MarketInput struct {
	ID                string  `json:"id"`
	ModelProbability  float64 `json:"model_probability"`
	MarketProbability float64 `json:"market_probability"`
}

// Result is the best allocation found. Allocation maps market ID to a
// fraction of capital; Amounts holds the same split in currency.
type Result struct {
	Allocation map[string]float64 `json:"allocation"`
	Amounts    map[string]float64 `json:"amounts"`
	Score      float64            `json:"score"`
	Capital    float64            `json:"capital"`
}

// Allocator runs the randomized search. Not safe for concurrent use.
type Allocator struct {
	rng        Source
	Iterations int
}

// New creates an allocator drawing from src.
func New(src Source) *Allocator {
	return &Allocator{rng: src, Iterations: DefaultIterations}
}

// NewSeeded creates an allocator with a deterministic math/rand source.
func NewSeeded(seed int64) *Allocator {
	return New(rand.New(rand.NewSource(seed)))
}

// Optimize searches for the allocation with the highest Σ fraction·edge·100.
//
// Every market but the last receives its quarter-Kelly fraction plus uniform
// noise, clamped to [0, remaining budget]; the last market receives the
// remainder. A single market therefore always gets 100% of capital, whatever
// its edge. An empty list yields an empty allocation with score 0.
func (a *Allocator) Optimize(markets []MarketInput, capital float64) Result {
	if !(capital > 0) || math.IsInf(capital, 1) {
		capital = DefaultCapital
	}
	res := Result{
		Allocation: map[string]float64{},
		Amounts:    map[string]float64{},
		Capital:    capital,
	}
	if len(markets) == 0 {
		return res
	}

	iterations := a.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	// Base sizes and edges do not change between trials.
	base := make([]float64, len(markets))
	edges := make([]float64, len(markets))
	for i, m := range markets {
		base[i] = kelly.Fraction(m.ModelProbability, probability.Clamp(m.MarketProbability), kelly.DefaultRiskFraction)
		edges[i] = probability.Edge(m.ModelProbability, m.MarketProbability)
	}

	trial := make([]float64, len(markets))
	var best []float64
	bestScore := math.Inf(-1)

	for iter := 0; iter < iterations; iter++ {
		remaining := 1.0
		last := len(markets) - 1
		for i := 0; i < last; i++ {
			f := base[i] + (a.rng.Float64()-0.5)*noiseWidth
			f = math.Max(0, math.Min(remaining, f))
			trial[i] = f
			remaining -= f
		}
		trial[last] = remaining

		var score float64
		for i, f := range trial {
			score += f * edges[i] * 100
		}
		if score > bestScore || best == nil {
			bestScore = score
			best = append(best[:0], trial...)
		}
	}

	for i, m := range markets {
		res.Allocation[m.ID] += best[i]
		res.Amounts[m.ID] += best[i] * capital
	}
	res.Score = bestScore
	return res
}
