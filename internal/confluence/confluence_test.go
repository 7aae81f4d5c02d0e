package confluence

import (
	"math"
	"testing"
)

func TestDefaultWeights_SumToOne(t *testing.T) {
	weights := DefaultWeights()
	if len(weights) != 10 {
		t.Errorf("expected 10 recognized factors, got %d", len(weights))
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum > 1+1e-9 {
		t.Errorf("weights should sum to at most 1, got %v", sum)
	}
}

func TestScore_WeightedSum(t *testing.T) {
	r := Score(map[string]FactorSignal{
		"orderbook_imbalance": {Value: 1, Direction: Bullish},
		"social_sentiment":    {Value: -0.5, Direction: Bearish},
	})
	want := 1*0.15 + -0.5*0.05
	if math.Abs(r.Score-want) > 1e-12 {
		t.Errorf("expected score %v, got %v", want, r.Score)
	}
}

func TestScore_UnknownFactorUsesDefaultWeight(t *testing.T) {
	r := Score(map[string]FactorSignal{
		"funding_rate": {Value: 0.8, Direction: Bullish},
	})
	if math.Abs(r.Score-0.8*DefaultWeight) > 1e-12 {
		t.Errorf("expected default-weighted score %v, got %v", 0.8*DefaultWeight, r.Score)
	}
}

func TestScore_DirectionCountsAndAgreement(t *testing.T) {
	r := Score(map[string]FactorSignal{
		"orderbook_imbalance": {Value: 0.6, Direction: Bullish},
		"whale_activity":      {Value: 0.4, Direction: Bullish},
		"smart_money_flow":    {Value: 0.2, Direction: Bullish},
		"news_sentiment":      {Value: -0.3, Direction: Bearish},
		"time_decay":          {Value: 0, Direction: Neutral},
	})
	if r.BullishFactors != 3 || r.BearishFactors != 1 {
		t.Errorf("expected 3 bullish / 1 bearish, got %d / %d", r.BullishFactors, r.BearishFactors)
	}
	if r.Agreement != 0.75 {
		t.Errorf("expected agreement 0.75, got %v", r.Agreement)
	}
}

func TestScore_Empty(t *testing.T) {
	r := Score(nil)
	if r != (Result{}) {
		t.Errorf("expected zero result for no factors, got %+v", r)
	}
}

func TestScore_OnlyNeutral(t *testing.T) {
	r := Score(map[string]FactorSignal{
		"time_decay": {Value: 0.5, Direction: Neutral},
	})
	if r.Agreement != 0 {
		t.Errorf("neutral-only input should have zero agreement, got %v", r.Agreement)
	}
}

func TestScorer_CustomWeights(t *testing.T) {
	s := &Scorer{Weights: map[string]float64{"model_edge": 1}, DefaultWeight: 0}
	r := s.Score(map[string]FactorSignal{
		"model_edge":   {Value: 0.25},
		"unrecognized": {Value: 10},
	})
	if r.Score != 0.25 {
		t.Errorf("expected 0.25, got %v", r.Score)
	}
}
