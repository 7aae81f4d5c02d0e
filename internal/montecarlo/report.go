package montecarlo

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Run is one simulated bankroll trajectory. Path is only populated for the
// first SamplePathLimit trials and always has NumTrades+1 points when set.
type Run struct {
	Path               []float64 `json:"path,omitempty"`
	FinalCapital       float64   `json:"final_capital"`
	ReturnPercent      float64   `json:"return_percent"`
	MaxDrawdownPercent float64   `json:"max_drawdown_percent"`
	WinRatePercent     float64   `json:"win_rate_percent"`
	Wins               int       `json:"wins"`
	Losses             int       `json:"losses"`
}

// Report aggregates every trial of a simulation. All return figures are
// percentages of starting capital; VaR and CVaR are signed returns, so a loss
// reads as a negative number.
type Report struct {
	Config Config `json:"config"`

	MeanReturn   float64 `json:"mean_return"`
	MedianReturn float64 `json:"median_return"`
	StdDev       float64 `json:"std_dev"`
	SharpeRatio  float64 `json:"sharpe_ratio"` // mean/std, no risk-free rate

	VaR95  float64 `json:"var_95"`
	VaR99  float64 `json:"var_99"`
	CVaR95 float64 `json:"cvar_95"`

	Percentile5  float64 `json:"percentile_5"`
	Percentile25 float64 `json:"percentile_25"`
	Percentile75 float64 `json:"percentile_75"`
	Percentile95 float64 `json:"percentile_95"`

	BestReturn  float64 `json:"best_return"`
	WorstReturn float64 `json:"worst_return"`

	ProbabilityOfProfit          float64 `json:"probability_of_profit"`
	ProbabilityOfLossOrBreakeven float64 `json:"probability_of_loss_or_breakeven"`
	ProbabilityOfRuin            float64 `json:"probability_of_ruin"`

	AvgMaxDrawdown   float64 `json:"avg_max_drawdown"`
	AvgWinRate       float64 `json:"avg_win_rate"`
	MeanFinalCapital float64 `json:"mean_final_capital"`

	// SamplePaths holds the first SamplePathLimit trajectories for charting.
	// Do not derive statistics from it.
	SamplePaths [][]float64 `json:"sample_paths"`
}

func aggregate(runs []Run, cfg Config) Report {
	n := len(runs)
	report := Report{Config: cfg, SamplePaths: [][]float64{}}
	if n == 0 {
		return report
	}

	returns := make([]float64, n)
	var profitable, ruined int
	var drawdownSum, winRateSum, finalSum float64
	for i, r := range runs {
		returns[i] = r.ReturnPercent
		if r.FinalCapital > cfg.StartingCapital {
			profitable++
		}
		if r.FinalCapital <= 0 {
			ruined++
		}
		drawdownSum += r.MaxDrawdownPercent
		winRateSum += r.WinRatePercent
		finalSum += r.FinalCapital
		if r.Path != nil {
			report.SamplePaths = append(report.SamplePaths, r.Path)
		}
	}
	sort.Float64s(returns)

	mean, std := stat.PopMeanStdDev(returns, nil)
	report.MeanReturn = mean
	report.StdDev = std
	if std > 0 {
		report.SharpeRatio = mean / std
	}

	report.MedianReturn = Percentile(returns, 0.50)
	report.Percentile5 = Percentile(returns, 0.05)
	report.Percentile25 = Percentile(returns, 0.25)
	report.Percentile75 = Percentile(returns, 0.75)
	report.Percentile95 = Percentile(returns, 0.95)
	report.VaR95 = report.Percentile5
	report.VaR99 = Percentile(returns, 0.01)
	report.CVaR95 = TailMean(returns, 0.05)
	report.WorstReturn = returns[0]
	report.BestReturn = returns[n-1]

	total := float64(n)
	report.ProbabilityOfProfit = float64(profitable) / total * 100
	report.ProbabilityOfLossOrBreakeven = float64(n-profitable) / total * 100
	report.ProbabilityOfRuin = float64(ruined) / total * 100
	report.AvgMaxDrawdown = drawdownSum / total
	report.AvgWinRate = winRateSum / total
	report.MeanFinalCapital = finalSum / total

	return report
}

// Percentile returns the nearest-rank value sorted[floor(n·p)] of an
// ascending slice. It does not interpolate. Returns 0 for an empty slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(float64(n) * p))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// TailMean averages the lowest floor(n·p) values of an ascending slice, or
// returns the single worst value when that count is zero.
func TailMean(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	count := int(math.Floor(float64(n) * p))
	if count <= 0 {
		return sorted[0]
	}
	if count > n {
		count = n
	}
	return stat.Mean(sorted[:count], nil)
}

// Finite reports whether every statistic and sample point is a finite
// number. Extreme edges compounded over many trades can overflow float64.
func (r Report) Finite() bool {
	stats := []float64{
		r.MeanReturn, r.MedianReturn, r.StdDev, r.SharpeRatio,
		r.VaR95, r.VaR99, r.CVaR95,
		r.Percentile5, r.Percentile25, r.Percentile75, r.Percentile95,
		r.BestReturn, r.WorstReturn,
		r.AvgMaxDrawdown, r.AvgWinRate, r.MeanFinalCapital,
	}
	for _, v := range stats {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	for _, path := range r.SamplePaths {
		for _, v := range path {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
