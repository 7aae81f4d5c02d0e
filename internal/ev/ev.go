// Package ev computes the expected profit of a fixed stake on a binary
// prediction-market contract.
package ev

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/lmsr"
	"github.com/atmx/risk-engine/internal/probability"
)

// DefaultStake is used when the caller passes a non-positive stake.
const DefaultStake = 1000.0

// Result is the expected-value breakdown for one stake.
type Result struct {
	EV          float64 `json:"ev"`
	EVPercent   float64 `json:"ev_percent"`
	Payout      float64 `json:"payout"`
	Stake       float64 `json:"stake"`
	EdgePercent float64 `json:"edge_percent"`
}

// Compute returns the expected value of staking stake on YES at
// marketProbability when the model believes modelProbability.
//
// A market price outside the open interval (0, 1) yields the zero result
// {0, 0, 0, stake, 0}. Otherwise both probabilities are clamped to
// [0.01, 0.99] before computing the payout and EV. EdgePercent is always taken
// from the unclamped inputs.
func Compute(modelProbability, marketProbability, stake float64) Result {
	if !(stake > 0) || math.IsInf(stake, 1) {
		stake = DefaultStake
	}
	if !probability.OpenUnit(marketProbability) {
		return Result{Stake: stake}
	}

	model := probability.Clamp(modelProbability)
	market := probability.Clamp(marketProbability)

	payout := stake / market
	ev := model*(payout-stake) - (1-model)*stake

	return Result{
		EV:          ev,
		EVPercent:   ev / stake * 100,
		Payout:      payout,
		Stake:       stake,
		EdgePercent: probability.Edge(modelProbability, marketProbability) * 100,
	}
}

// ImpactResult compares the quoted-price expected value with the value after
// walking an LMSR book of the given liquidity.
type ImpactResult struct {
	Quoted      Result          `json:"quoted"`
	Liquidity   decimal.Decimal `json:"liquidity"`
	MaxBookLoss decimal.Decimal `json:"max_book_loss"` // b·ln2 subsidy backing the book
	Shares      decimal.Decimal `json:"shares"`
	Cost        decimal.Decimal `json:"cost"` // C(q+shares) - C(q); matches the stake up to rounding
	FillPrice   decimal.Decimal `json:"fill_price"`
	PriceAfter  decimal.Decimal `json:"price_after"`
	Slippage    decimal.Decimal `json:"slippage"` // fill price - quoted price
	ImpactedEV  decimal.Decimal `json:"impacted_ev"`
	ImpactedPct decimal.Decimal `json:"impacted_ev_percent"`
}

// WithImpact estimates the expected value of the stake when it is filled
// against an LMSR market maker with liquidity parameter b, starting at the
// quoted market price. Each share pays 1 on YES, so the impacted EV is
// model·shares - stake.
//
// The quoted result is returned unchanged when the inputs fail the EV guard;
// the impact fields are then zero.
func WithImpact(modelProbability, marketProbability, stake float64, b decimal.Decimal) (ImpactResult, error) {
	quoted := Compute(modelProbability, marketProbability, stake)
	res := ImpactResult{Quoted: quoted, Liquidity: b}
	if quoted.Payout == 0 {
		return res, nil
	}

	mm, err := lmsr.NewMarketMaker(b)
	if err != nil {
		return res, err
	}
	res.Liquidity = mm.B()
	res.MaxBookLoss = mm.MaxLoss()

	price := decimal.NewFromFloat(probability.Clamp(marketProbability))
	cost := decimal.NewFromFloat(quoted.Stake)
	shares := mm.SharesForCost(price, cost)
	if !shares.IsPositive() {
		return res, nil
	}

	// Price the shares through the cost function itself.
	qYes, qNo := mm.QuantitiesForPrice(price)
	if spent := mm.TradeCost(qYes, qNo, shares); spent.IsPositive() {
		cost = spent
	}

	model := decimal.NewFromFloat(probability.Clamp(modelProbability))
	fill := cost.Div(shares).Round(lmsr.PriceScale)
	impacted := model.Mul(shares).Sub(cost).Round(lmsr.PriceScale)

	res.Shares = shares
	res.Cost = cost
	res.FillPrice = fill
	res.PriceAfter = mm.PriceAfterBuy(price, shares)
	res.Slippage = fill.Sub(price)
	res.ImpactedEV = impacted
	res.ImpactedPct = impacted.Div(cost).Mul(decimal.NewFromInt(100)).Round(4)
	return res, nil
}
