// Package model defines the persisted records shared across the risk engine.
// Capital and stake amounts use shopspring/decimal; probabilities and
// statistics stay float64.
package model

import (
	"time"

	"github.com/atmx/risk-engine/internal/correlation"
	"github.com/atmx/risk-engine/internal/montecarlo"
	"github.com/shopspring/decimal"
)

// SimulationRecord is a completed Monte Carlo run. Records are immutable
// once saved; only the retention pruner removes them.
type SimulationRecord struct {
	ID                string            `json:"id" db:"id"`
	MarketRef         string            `json:"market_ref,omitempty" db:"market_ref"`
	MarketProbability float64           `json:"market_probability" db:"market_probability"`
	ModelProbability  float64           `json:"model_probability" db:"model_probability"`
	NumSimulations    int               `json:"num_simulations" db:"num_simulations"`
	NumTrades         int               `json:"num_trades" db:"num_trades"`
	KellyFraction     float64           `json:"kelly_fraction" db:"kelly_fraction"`
	StartingCapital   decimal.Decimal   `json:"starting_capital" db:"starting_capital"`
	Seed              int64             `json:"seed" db:"seed"`
	Report            montecarlo.Report `json:"report" db:"report"` // JSONB
	DurationMs        int64             `json:"duration_ms" db:"duration_ms"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
}

// SimulationSummary is the list view of a SimulationRecord without the
// sample paths.
type SimulationSummary struct {
	ID                  string          `json:"id"`
	MarketRef           string          `json:"market_ref,omitempty"`
	MarketProbability   float64         `json:"market_probability"`
	ModelProbability    float64         `json:"model_probability"`
	StartingCapital     decimal.Decimal `json:"starting_capital"`
	MeanReturn          float64         `json:"mean_return"`
	ProbabilityOfRuin   float64         `json:"probability_of_ruin"`
	ProbabilityOfProfit float64         `json:"probability_of_profit"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Summary drops the per-trial detail from a record.
func (r *SimulationRecord) Summary() SimulationSummary {
	return SimulationSummary{
		ID:                  r.ID,
		MarketRef:           r.MarketRef,
		MarketProbability:   r.MarketProbability,
		ModelProbability:    r.ModelProbability,
		StartingCapital:     r.StartingCapital,
		MeanReturn:          r.Report.MeanReturn,
		ProbabilityOfRuin:   r.Report.ProbabilityOfRuin,
		ProbabilityOfProfit: r.Report.ProbabilityOfProfit,
		CreatedAt:           r.CreatedAt,
	}
}

// AllocationInput is one market submitted to the allocator.
type AllocationInput struct {
	ID                string  `json:"id"`
	ModelProbability  float64 `json:"model_probability"`
	MarketProbability float64 `json:"market_probability"`
}

// AllocationRecord is a completed allocator run with the exposure limit
// violations found for its result.
type AllocationRecord struct {
	ID         string                     `json:"id" db:"id"`
	Capital    decimal.Decimal            `json:"capital" db:"capital"`
	Iterations int                        `json:"iterations" db:"iterations"`
	Seed       int64                      `json:"seed" db:"seed"`
	Inputs     []AllocationInput          `json:"inputs" db:"inputs"`         // JSONB
	Fractions  map[string]float64         `json:"allocation" db:"allocation"` // JSONB, market → fraction
	Amounts    map[string]decimal.Decimal `json:"amounts" db:"amounts"`       // JSONB, market → capital
	Score      float64                    `json:"score" db:"score"`
	Violations []correlation.Violation    `json:"violations" db:"violations"` // JSONB
	CreatedAt  time.Time                  `json:"created_at" db:"created_at"`
}
