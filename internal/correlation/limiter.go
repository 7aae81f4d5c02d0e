// Package correlation enforces exposure ceilings on an allocation, counting
// markets that resolve on the same event as one correlated group.
//
// Three Kalshi strikes on the same Fed decision, or two outcomes of one
// Polymarket election, move together. An allocation that spreads capital
// across them is concentrated even when every single market looks small.
package correlation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/atmx/risk-engine/internal/contract"
	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded marks a single market above the per-market ceiling.
	ErrMarketLimitExceeded = errors.New("correlation: per-market exposure limit exceeded")

	// ErrEventLimitExceeded marks an event group whose aggregate exposure is
	// above the per-event ceiling.
	ErrEventLimitExceeded = errors.New("correlation: correlated event exposure limit exceeded")
)

// Violation scopes.
const (
	ScopeMarket = "market"
	ScopeEvent  = "event"
)

// Violation describes one market or event group over its ceiling.
type Violation struct {
	Scope    string          `json:"scope"`
	Key      string          `json:"key"`
	Exposure decimal.Decimal `json:"exposure"`
	Limit    decimal.Decimal `json:"limit"`
	Markets  []string        `json:"markets,omitempty"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s at %s (limit %s)", v.err(), v.Key, v.Exposure.String(), v.Limit.String())
}

// Unwrap lets callers match violations with errors.Is.
func (v Violation) Unwrap() error { return v.err() }

func (v Violation) err() error {
	if v.Scope == ScopeEvent {
		return ErrEventLimitExceeded
	}
	return ErrMarketLimitExceeded
}

// ExposureLimiter checks allocations against per-market and per-event
// ceilings, both expressed as fractions of capital. A zero ceiling disables
// that check.
//
// Market IDs are parsed as contract references to find their event group.
// IDs that do not parse are treated as their own event.
type ExposureLimiter struct {
	// MaxPerMarket is the largest fraction of capital any one market may take.
	MaxPerMarket decimal.Decimal

	// MaxPerEvent is the largest aggregate fraction across all markets of
	// one event.
	MaxPerEvent decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given ceilings.
func NewExposureLimiter(maxPerMarket, maxPerEvent decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerMarket: maxPerMarket,
		MaxPerEvent:  maxPerEvent,
	}
}

// Check returns every violation in the allocation (market ID → fraction of
// capital), market violations first, each group sorted by key. The
// allocation itself is not modified.
func (l *ExposureLimiter) Check(allocation map[string]decimal.Decimal) []Violation {
	ids := make([]string, 0, len(allocation))
	for id := range allocation {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var violations []Violation
	events := make(map[string]decimal.Decimal)
	members := make(map[string][]string)

	for _, id := range ids {
		exposure := allocation[id].Abs()

		// 1. Per-market limit.
		if l.MaxPerMarket.IsPositive() && exposure.GreaterThan(l.MaxPerMarket) {
			violations = append(violations, Violation{
				Scope:    ScopeMarket,
				Key:      id,
				Exposure: exposure,
				Limit:    l.MaxPerMarket,
			})
		}

		key := EventKey(id)
		events[key] = events[key].Add(exposure)
		members[key] = append(members[key], id)
	}

	if !l.MaxPerEvent.IsPositive() {
		return violations
	}

	// 2. Correlated exposure: sum |fraction| across markets of one event.
	keys := make([]string, 0, len(events))
	for key := range events {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		total := events[key]
		if total.GreaterThan(l.MaxPerEvent) {
			violations = append(violations, Violation{
				Scope:    ScopeEvent,
				Key:      key,
				Exposure: total,
				Limit:    l.MaxPerEvent,
				Markets:  members[key],
			})
		}
	}
	return violations
}

// EventKey returns the correlation group of a market ID.
func EventKey(id string) string {
	ref, err := contract.ParseMarketRef(id)
	if err != nil {
		return id
	}
	return ref.EventKey
}
