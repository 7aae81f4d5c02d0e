// Package probability holds the shared guard applied to every probability-like
// input of the risk engine.
//
// Ratio formulas (odds, payouts) blow up at 0 and 1, so the engine never uses
// a probability outside [Floor, Ceiling]. Whether an out-of-range input is
// clamped or short-circuits to a zero result is decided by each caller; the
// checks themselves live here so they are identical everywhere.
package probability

import "math"

const (
	// Floor is the lowest probability used in any ratio computation.
	Floor = 0.01

	// Ceiling is the highest probability used in any ratio computation.
	Ceiling = 0.99
)

// Clamp returns p limited to [Floor, Ceiling]. NaN clamps to Floor.
func Clamp(p float64) float64 {
	if math.IsNaN(p) || p < Floor {
		return Floor
	}
	if p > Ceiling {
		return Ceiling
	}
	return p
}

// ValidMarket reports whether a market price lies strictly inside
// (Floor, Ceiling). Prices at the boundary imply zero or unbounded odds.
func ValidMarket(p float64) bool {
	return p > Floor && p < Ceiling
}

// ValidModel reports whether a model probability lies strictly inside (0, 1).
func ValidModel(p float64) bool {
	return OpenUnit(p)
}

// OpenUnit reports whether p lies strictly inside (0, 1). NaN fails.
func OpenUnit(p float64) bool {
	return p > 0 && p < 1
}

// Valid is the entry check for public sizing operations.
func Valid(model, market float64) bool {
	return ValidModel(model) && ValidMarket(market)
}

// Odds converts a market price into net decimal odds: 1/p - 1.
// A binary contract bought at p pays (1-p)/p per unit staked.
func Odds(market float64) float64 {
	return 1/market - 1
}

// Edge is the model's belief minus the market-implied probability.
func Edge(model, market float64) float64 {
	return model - market
}
