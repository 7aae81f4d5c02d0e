// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR) cost
// function for binary markets and uses it to estimate the price impact of a
// stake.
//
// Several prediction-market venues quote automated-market-maker books whose
// depth is well approximated by an LMSR with liquidity parameter b. Given the
// current price and a budget, the number of shares received and the average
// fill follow in closed form.
//
// Money is returned as shopspring/decimal. Transcendental math runs in float64
// with the log-sum-exp trick and is converted immediately.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// MinPrice is the lowest price reported after a trade.
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the highest price reported after a trade.
	MaxPrice = decimal.NewFromFloat(0.999)

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless; market quantities are passed as arguments.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates an LMSR market maker with liquidity parameter b.
// Higher b means a deeper book and less price impact per share.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) without overflow:
// LSE(x) = max(x) + ln(Σ exp(x_i - max(x))).
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes C(q) = b · ln(exp(qYes/b) + exp(qNo/b)).
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	lse := logSumExp([]float64{qYes.InexactFloat64() / bf, qNo.InexactFloat64() / bf})
	return decimal.NewFromFloat(bf * lse).Round(PriceScale)
}

// TradeCost is the cost of buying deltaYes YES shares from state (qYes, qNo).
func (m *MarketMaker) TradeCost(qYes, qNo, deltaYes decimal.Decimal) decimal.Decimal {
	return m.Cost(qYes.Add(deltaYes), qNo).Sub(m.Cost(qYes, qNo))
}

// QuantitiesForPrice returns a (qYes, qNo) state whose YES price equals price.
// qNo is pinned at zero; LMSR prices depend only on the difference.
func (m *MarketMaker) QuantitiesForPrice(price decimal.Decimal) (qYes, qNo decimal.Decimal) {
	p := clampFloat(price.InexactFloat64())
	q := m.b.InexactFloat64() * math.Log(p/(1-p))
	return decimal.NewFromFloat(q), decimal.Zero
}

// SharesForCost returns how many YES shares a budget of cost buys from a book
// currently quoting price. Inverting C gives
//
//	x = b · ln((exp(cost/b) - (1-p)) / p)
//
// evaluated as cost + b·ln(1 - (1-p)·exp(-cost/b)) - b·ln(p) to avoid overflow.
func (m *MarketMaker) SharesForCost(price, cost decimal.Decimal) decimal.Decimal {
	if !cost.IsPositive() {
		return decimal.Zero
	}
	p := clampFloat(price.InexactFloat64())
	bf := m.b.InexactFloat64()
	c := cost.InexactFloat64()

	x := c + bf*math.Log1p(-(1-p)*math.Exp(-c/bf)) - bf*math.Log(p)
	if math.IsNaN(x) || math.IsInf(x, 0) || x <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(x).Round(PriceScale)
}

// PriceAfterBuy is the YES price after buying shares from a book at price.
// Clamped to [MinPrice, MaxPrice].
func (m *MarketMaker) PriceAfterBuy(price, shares decimal.Decimal) decimal.Decimal {
	p := clampFloat(price.InexactFloat64())
	bf := m.b.InexactFloat64()
	x := shares.InexactFloat64()

	after := 1 / (1 + (1-p)/p*math.Exp(-x/bf))
	result := decimal.NewFromFloat(after).Round(PriceScale)
	if result.LessThan(MinPrice) {
		return MinPrice
	}
	if result.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return result
}

// MaxLoss returns the maximum market-maker subsidy for a binary book: b·ln(2).
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	return decimal.NewFromFloat(m.b.InexactFloat64() * math.Log(2)).Round(PriceScale)
}

func clampFloat(p float64) float64 {
	lo, hi := MinPrice.InexactFloat64(), MaxPrice.InexactFloat64()
	if math.IsNaN(p) || p < lo {
		return lo
	}
	if p > hi {
		return hi
	}
	return p
}
