// Package contract parses the market references the dashboard sends for
// Polymarket, Kalshi and Manifold markets, and derives the event key used to
// group correlated markets.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported venues.
const (
	VenuePolymarket = "POLY"
	VenueKalshi     = "KALSHI"
	VenueManifold   = "MANIFOLD"
)

// refRegex matches: {VENUE}:{reference}
// Examples: KALSHI:KXFEDDECISION-25DEC-T4.25, POLY:us-election-2028/trump-wins
var refRegex = regexp.MustCompile(`^([A-Z]+):([A-Za-z0-9._/-]+)$`)

// kalshiRegex matches Kalshi tickers: SERIES-EVENT[-MARKET...]
var kalshiRegex = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9.]+)+$`)

var (
	ErrInvalidRef   = errors.New("contract: invalid market reference")
	ErrInvalidVenue = errors.New("contract: unsupported venue")
)

// MarketRef is a parsed market reference.
type MarketRef struct {
	Ref      string `json:"ref"`
	Venue    string `json:"venue"`
	Market   string `json:"market"`
	EventKey string `json:"event_key"` // venue-qualified; equal keys are correlated
}

// ParseMarketRef parses and validates a market reference.
// Format: {VENUE}:{reference}
//
// Kalshi markets of one event share everything before the last ticker
// segment. Polymarket and Manifold references may name their event with an
// "event/market" slug; without a slash the market is its own event.
func ParseMarketRef(ref string) (*MarketRef, error) {
	matches := refRegex.FindStringSubmatch(ref)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {VENUE}:{reference})", ErrInvalidRef, ref)
	}

	venue, market := matches[1], matches[2]

	var event string
	switch venue {
	case VenueKalshi:
		if !kalshiRegex.MatchString(market) {
			return nil, fmt.Errorf("%w: %s is not a Kalshi ticker", ErrInvalidRef, market)
		}
		event = market[:strings.LastIndex(market, "-")]
	case VenuePolymarket, VenueManifold:
		if strings.HasPrefix(market, "/") || strings.HasSuffix(market, "/") || strings.Count(market, "/") > 1 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRef, market)
		}
		event, _, _ = strings.Cut(market, "/")
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidVenue, venue)
	}

	return &MarketRef{
		Ref:      ref,
		Venue:    venue,
		Market:   market,
		EventKey: venue + ":" + event,
	}, nil
}
