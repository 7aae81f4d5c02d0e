// Command simulate runs one Monte Carlo report from flags and prints it next
// to the Kelly and expected-value figures for the same inputs.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/atmx/risk-engine/internal/ev"
	"github.com/atmx/risk-engine/internal/kelly"
	"github.com/atmx/risk-engine/internal/montecarlo"
)

type output struct {
	Kelly  kelly.Fractions   `json:"kelly"`
	EV     ev.Result         `json:"ev"`
	Seed   int64             `json:"seed"`
	Report montecarlo.Report `json:"report"`
}

func main() {
	var (
		market  = flag.Float64("market", 0.5, "market probability (price of YES)")
		model   = flag.Float64("model", 0.6, "model probability")
		sims    = flag.Int("sims", montecarlo.DefaultNumSimulations, "number of simulated trials")
		trades  = flag.Int("trades", montecarlo.DefaultNumTrades, "trades per trial")
		frac    = flag.Float64("kelly", montecarlo.DefaultKellyFraction, "Kelly multiplier")
		capital = flag.Float64("capital", montecarlo.DefaultStartingCapital, "starting capital")
		stake   = flag.Float64("stake", ev.DefaultStake, "stake for the expected-value line")
		seed    = flag.Int64("seed", 0, "random seed (0 draws one from the clock)")
		asJSON  = flag.Bool("json", false, "print the full report as JSON, including sample paths")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	cfg := montecarlo.Config{
		NumSimulations:  *sims,
		NumTrades:       *trades,
		KellyFraction:   *frac,
		StartingCapital: *capital,
	}
	report, err := montecarlo.NewSeeded(*seed).Run(*market, *model, cfg)
	if err != nil {
		logger.Error("simulation failed", "err", err)
		os.Exit(2)
	}
	if !report.Finite() {
		logger.Error("simulation overflowed; reduce -trades or -kelly")
		os.Exit(1)
	}

	out := output{
		Kelly:  kelly.Compute(*model, *market),
		EV:     ev.Compute(*model, *market, *stake),
		Seed:   *seed,
		Report: report,
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			logger.Error("encode report", "err", err)
			os.Exit(1)
		}
		return
	}
	printTable(os.Stdout, out)
}

func printTable(w io.Writer, out output) {
	r := out.Report
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "seed\t%d\n", out.Seed)
	fmt.Fprintf(tw, "trials x trades\t%d x %d\n", r.Config.NumSimulations, r.Config.NumTrades)
	fmt.Fprintf(tw, "kelly optimal / full\t%.4f / %.4f\n", out.Kelly.Optimal, out.Kelly.Full)
	fmt.Fprintf(tw, "ev (stake %.0f)\t%.2f (%.2f%%)\n", out.EV.Stake, out.EV.EV, out.EV.EVPercent)
	fmt.Fprintln(tw, "\t")
	fmt.Fprintf(tw, "mean / median return\t%.2f%% / %.2f%%\n", r.MeanReturn, r.MedianReturn)
	fmt.Fprintf(tw, "std dev / sharpe\t%.2f / %.3f\n", r.StdDev, r.SharpeRatio)
	fmt.Fprintf(tw, "VaR95 / VaR99 / CVaR95\t%.2f%% / %.2f%% / %.2f%%\n", r.VaR95, r.VaR99, r.CVaR95)
	fmt.Fprintf(tw, "p5 / p25 / p75 / p95\t%.2f / %.2f / %.2f / %.2f\n", r.Percentile5, r.Percentile25, r.Percentile75, r.Percentile95)
	fmt.Fprintf(tw, "best / worst\t%.2f%% / %.2f%%\n", r.BestReturn, r.WorstReturn)
	fmt.Fprintf(tw, "P(profit) / P(ruin)\t%.2f%% / %.2f%%\n", r.ProbabilityOfProfit, r.ProbabilityOfRuin)
	fmt.Fprintf(tw, "avg max drawdown\t%.2f%%\n", r.AvgMaxDrawdown)
	fmt.Fprintf(tw, "mean final capital\t%.2f\n", r.MeanFinalCapital)
}
