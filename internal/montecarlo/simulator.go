// Package montecarlo simulates bankroll trajectories for repeated Kelly-sized
// bets on one binary market and summarizes their return distribution.
//
// The simulator assumes the model is right: every trade wins with the model
// probability. It answers "if the model is correct, how does capital grow",
// not "what does the market imply".
//
// The engine is synchronous and CPU-bound (NumSimulations × NumTrades inner
// steps). Callers that need to stay responsive run it on their own goroutine
// and cancel through RunContext, which is checked between trials only.
package montecarlo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/atmx/risk-engine/internal/kelly"
	"github.com/atmx/risk-engine/internal/probability"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultNumSimulations  = 5000
	DefaultNumTrades       = 100
	DefaultKellyFraction   = kelly.DefaultRiskFraction
	DefaultStartingCapital = 10000.0

	// SamplePathLimit bounds the trajectories kept in a Report for charting.
	// It is a rendering budget, not a representative sample.
	SamplePathLimit = 40

	// MaxGrowth bounds a trial's capital at StartingCapital·MaxGrowth. Runs
	// with a large edge and many trades would otherwise overflow to +Inf and
	// the next loss would turn capital into NaN.
	MaxGrowth = 1e100
)

// ErrInvalidConfig is returned for negative simulation or trade counts and for
// a negative or non-finite starting capital.
var ErrInvalidConfig = errors.New("montecarlo: invalid simulation config")

// Source is the pseudorandom stream consumed by the simulator. *rand.Rand
// satisfies it.
type Source interface {
	Float64() float64
}

// Config controls one simulation. Zero fields take the package defaults.
// KellyFraction is not validated here; it flows through kelly.Fraction, which
// sizes a degenerate multiplier at zero.
type Config struct {
	NumSimulations  int     `json:"num_simulations"`
	NumTrades       int     `json:"num_trades"`
	KellyFraction   float64 `json:"kelly_fraction"`
	StartingCapital float64 `json:"starting_capital"`
}

// DefaultConfig returns the configuration used when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		NumSimulations:  DefaultNumSimulations,
		NumTrades:       DefaultNumTrades,
		KellyFraction:   DefaultKellyFraction,
		StartingCapital: DefaultStartingCapital,
	}
}

// Normalize validates c and fills zero fields with defaults.
func (c Config) Normalize() (Config, error) {
	if c.NumSimulations < 0 {
		return c, fmt.Errorf("%w: num_simulations must not be negative (got %d)", ErrInvalidConfig, c.NumSimulations)
	}
	if c.NumTrades < 0 {
		return c, fmt.Errorf("%w: num_trades must not be negative (got %d)", ErrInvalidConfig, c.NumTrades)
	}
	if c.StartingCapital < 0 || math.IsNaN(c.StartingCapital) || math.IsInf(c.StartingCapital, 0) {
		return c, fmt.Errorf("%w: starting_capital must be a positive number (got %v)", ErrInvalidConfig, c.StartingCapital)
	}

	if c.NumSimulations == 0 {
		c.NumSimulations = DefaultNumSimulations
	}
	if c.NumTrades == 0 {
		c.NumTrades = DefaultNumTrades
	}
	if c.KellyFraction == 0 {
		c.KellyFraction = DefaultKellyFraction
	}
	if c.StartingCapital == 0 {
		c.StartingCapital = DefaultStartingCapital
	}
	return c, nil
}

// Simulator runs Monte Carlo trials against an injected random source.
// A Simulator is not safe for concurrent use because *rand.Rand is not;
// create one per goroutine.
type Simulator struct {
	rng Source
}

// New creates a simulator drawing from src.
func New(src Source) *Simulator {
	return &Simulator{rng: src}
}

// NewSeeded creates a simulator with a deterministic math/rand source. Two
// simulators with the same seed produce bit-identical reports.
func NewSeeded(seed int64) *Simulator {
	return New(rand.New(rand.NewSource(seed)))
}

// Run simulates cfg.NumSimulations trials. Probabilities are clamped to
// [0.01, 0.99] rather than rejected so a report is always produced; only an
// invalid Config returns an error.
func (s *Simulator) Run(marketProbability, modelProbability float64, cfg Config) (Report, error) {
	return s.RunContext(context.Background(), marketProbability, modelProbability, cfg)
}

// RunContext is Run with cancellation checked before each trial.
func (s *Simulator) RunContext(ctx context.Context, marketProbability, modelProbability float64, cfg Config) (Report, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return Report{}, err
	}

	market := probability.Clamp(marketProbability)
	model := probability.Clamp(modelProbability)

	runs := make([]Run, 0, cfg.NumSimulations)
	for i := 0; i < cfg.NumSimulations; i++ {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		runs = append(runs, s.trial(market, model, cfg, i < SamplePathLimit))
	}

	return aggregate(runs, cfg), nil
}

// capitalCeiling is the most a trial may hold: StartingCapital·MaxGrowth,
// lowered so the sum of every trial's final capital stays finite.
func capitalCeiling(cfg Config) float64 {
	ceiling := cfg.StartingCapital * MaxGrowth
	if limit := math.MaxFloat64 / (4 * float64(cfg.NumSimulations)); ceiling > limit {
		ceiling = limit
	}
	return ceiling
}

// trial simulates one bankroll trajectory. The path is only kept when
// keepPath is set; the remaining trials would be discarded after aggregation.
func (s *Simulator) trial(market, model float64, cfg Config, keepPath bool) Run {
	capital := cfg.StartingCapital
	ceiling := capitalCeiling(cfg)
	peak := capital
	maxDrawdown := 0.0
	wins, losses := 0, 0

	var path []float64
	if keepPath {
		path = make([]float64, 0, cfg.NumTrades+1)
		path = append(path, capital)
	}

	for step := 0; step < cfg.NumTrades; step++ {
		if capital == 0 {
			// Ruined: the remaining steps hold flat at zero.
			if keepPath {
				for ; step < cfg.NumTrades; step++ {
					path = append(path, 0)
				}
			}
			break
		}

		odds := probability.Odds(market)
		bet := capital * kelly.Fraction(model, market, cfg.KellyFraction)

		if s.rng.Float64() < model {
			capital += bet * odds
			wins++
		} else {
			capital -= bet
			losses++
		}
		if capital < 0 {
			capital = 0
		} else if capital > ceiling {
			capital = ceiling
		}
		if keepPath {
			path = append(path, capital)
		}

		if capital > peak {
			peak = capital
		}
		if peak > 0 {
			if dd := (peak - capital) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	winRate := 0.0
	if trades := wins + losses; trades > 0 {
		winRate = float64(wins) / float64(trades) * 100
	}

	return Run{
		Path:               path,
		FinalCapital:       capital,
		ReturnPercent:      (capital - cfg.StartingCapital) / cfg.StartingCapital * 100,
		MaxDrawdownPercent: maxDrawdown * 100,
		WinRatePercent:     winRate,
		Wins:               wins,
		Losses:             losses,
	}
}
