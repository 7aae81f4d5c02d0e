// Package confluence combines named directional signals into one weighted
// score.
//
// Each factor is produced by an external data adapter (order books, news,
// on-chain flow). The scorer only weighs and counts them.
package confluence

import (
	"sort"
)

// Signal directions.
const (
	Bullish = "bullish"
	Bearish = "bearish"
	Neutral = "neutral"
)

// DefaultWeight applies to factor names missing from the weight table.
const DefaultWeight = 0.10

// FactorSignal is one adapter's reading.
type FactorSignal struct {
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
	Direction    string  `json:"direction"`
	Description  string  `json:"description"`
}

// Result is the aggregate over all supplied factors.
type Result struct {
	Score          float64 `json:"score"`
	BullishFactors int     `json:"bullish_factors"`
	BearishFactors int     `json:"bearish_factors"`
	Agreement      float64 `json:"agreement"` // share of directional factors on the majority side
}

// DefaultWeights returns the recognized factor names and their weights.
// The ten weights sum to 1.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"orderbook_imbalance": 0.15,
		"whale_activity":      0.12,
		"smart_money_flow":    0.12,
		"volume_momentum":     0.10,
		"price_momentum":      0.10,
		"news_sentiment":      0.10,
		"cross_venue_spread":  0.10,
		"model_edge":          0.10,
		"time_decay":          0.06,
		"social_sentiment":    0.05,
	}
}

// Scorer weighs factors with a fixed table.
type Scorer struct {
	Weights       map[string]float64
	DefaultWeight float64
}

// NewScorer returns a scorer over DefaultWeights.
func NewScorer() *Scorer {
	return &Scorer{Weights: DefaultWeights(), DefaultWeight: DefaultWeight}
}

// Weight returns the weight for name, falling back to DefaultWeight.
func (s *Scorer) Weight(name string) float64 {
	if w, ok := s.Weights[name]; ok {
		return w
	}
	return s.DefaultWeight
}

// Score returns Σ value·weight together with direction counts.
// Factors are summed in name order so the result does not depend on map
// iteration.
func (s *Scorer) Score(factors map[string]FactorSignal) Result {
	names := make([]string, 0, len(factors))
	for name := range factors {
		names = append(names, name)
	}
	sort.Strings(names)

	var res Result
	for _, name := range names {
		f := factors[name]
		res.Score += f.Value * s.Weight(name)
		switch f.Direction {
		case Bullish:
			res.BullishFactors++
		case Bearish:
			res.BearishFactors++
		}
	}

	directional := res.BullishFactors + res.BearishFactors
	if directional == 0 {
		directional = 1
	}
	res.Agreement = float64(max(res.BullishFactors, res.BearishFactors)) / float64(directional)
	return res
}

// Score weighs factors with the default table.
func Score(factors map[string]FactorSignal) Result {
	return NewScorer().Score(factors)
}
