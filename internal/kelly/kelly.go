// Package kelly sizes binary prediction-market positions with the Kelly
// criterion.
//
// A contract bought at price p pays 1 if the event happens, so the net odds
// are b = 1/p - 1 and the full Kelly fraction for a believed probability q is
//
//	f* = (b·q - (1-q)) / b
//
// Two entry points exist. Compute is the display calculator and returns a
// fixed set of fractions, zeroing everything when the inputs fail the shared
// probability guard. Fraction is the sizing path used by the simulator and the
// allocator; it scales f* by a caller-chosen risk multiplier.
package kelly

import (
	"math"

	"github.com/atmx/risk-engine/internal/probability"
)

const (
	// MaxOptimal is the hard ceiling on the executable (Optimal) fraction.
	MaxOptimal = 0.05

	// DefaultRiskFraction is the quarter-Kelly multiplier used by the sizing path.
	DefaultRiskFraction = 0.25
)

// Fractions is the result of Compute, each value a fraction of bankroll.
//
// Only Optimal is capped. Full, Half, Quarter and Eighth are theoretical
// fractions for display and can exceed 1 for extreme edges; they must not be
// used as executable sizes.
type Fractions struct {
	Full    float64 `json:"full"`
	Half    float64 `json:"half"`
	Quarter float64 `json:"quarter"`
	Eighth  float64 `json:"eighth"`
	Optimal float64 `json:"optimal"`
}

// Compute returns the Kelly fractions for buying YES at marketProbability when
// the model believes modelProbability.
//
// All fractions are zero when the market price is outside (0.01, 0.99), the
// model probability is outside (0, 1), the odds are not positive, or the model
// sees no edge (model <= market).
func Compute(modelProbability, marketProbability float64) Fractions {
	if !probability.Valid(modelProbability, marketProbability) {
		return Fractions{}
	}
	odds := probability.Odds(marketProbability)
	if odds <= 0 || modelProbability <= marketProbability {
		return Fractions{}
	}

	full := fullKelly(modelProbability, odds)
	return Fractions{
		Full:    full,
		Half:    full * 0.5,
		Quarter: full * 0.25,
		Eighth:  full * 0.125,
		Optimal: math.Min(full*0.25, MaxOptimal),
	}
}

// Fraction is the guarded sizing formula: full Kelly scaled by risk, floored
// at zero. It returns zero when the odds are not positive or the model
// probability is outside (0, 1). Callers are expected to have clamped the
// market price already.
func Fraction(modelProbability, marketProbability, risk float64) float64 {
	odds := probability.Odds(marketProbability)
	if odds <= 0 || math.IsInf(odds, 0) || math.IsNaN(odds) {
		return 0
	}
	if !probability.ValidModel(modelProbability) {
		return 0
	}
	f := fullKelly(modelProbability, odds) * risk
	// Also rejects NaN and ±Inf from a degenerate risk multiplier.
	if !(f > 0) || math.IsInf(f, 1) {
		return 0
	}
	return f
}

func fullKelly(q, odds float64) float64 {
	f := (odds*q - (1 - q)) / odds
	if f < 0 {
		return 0
	}
	return f
}
