// Package contract handles perpetual and dated futures ticker parsing,
// validation, and derivation of initial vAMM parameters from an index price.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/vamm"
)

// Supported contract kinds.
const (
	KindPerp  = "PERP"
	KindDated = "DATED"
)

// tickerRegex matches: {BASE}-{QUOTE}-{PERP|YYYYMMDD}
// Examples: BTC-USD-PERP, ETH-USDC-20261231
var tickerRegex = regexp.MustCompile(
	`^([A-Z][A-Z0-9]{1,9})-([A-Z][A-Z0-9]{1,9})-(PERP|\d{8})$`,
)

var (
	ErrInvalidTicker = errors.New("contract: invalid ticker format")
	ErrSameAsset     = errors.New("contract: base and quote must differ")
	ErrZeroDepth     = errors.New("contract: liquidity depth must be positive")
	ErrPriceTooLow   = errors.New("contract: index price too low for depth")
)

// Contract represents a parsed futures contract.
type Contract struct {
	Ticker string       `json:"ticker"`
	Base   assets.Asset `json:"base"`
	Quote  assets.Asset `json:"quote"`
	Kind   string       `json:"kind"`
	// Expiry is set for dated contracts only.
	Expiry *time.Time `json:"expiry,omitempty"`
}

// ParseTicker parses and validates a contract ticker string.
// Format: {BASE}-{QUOTE}-{PERP|YYYYMMDD}
func ParseTicker(ticker string) (*Contract, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {BASE}-{QUOTE}-{PERP|YYYYMMDD})",
			ErrInvalidTicker, ticker)
	}

	base := assets.Asset(matches[1])
	quote := assets.Asset(matches[2])
	suffix := matches[3]

	if base == quote {
		return nil, fmt.Errorf("%w: %s", ErrSameAsset, ticker)
	}

	c := &Contract{Ticker: ticker, Base: base, Quote: quote, Kind: KindPerp}
	if suffix == KindPerp {
		return c, nil
	}

	expiry, err := time.Parse("20060102", suffix)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, suffix)
	}
	c.Kind = KindDated
	c.Expiry = &expiry
	return c, nil
}

// CloseAt returns the vAMM closing moment for a dated contract, and false for
// perpetuals. Expiries at or before the Unix epoch close at moment 0.
func (c *Contract) CloseAt() (vamm.Moment, bool) {
	if c.Expiry == nil {
		return 0, false
	}
	if c.Expiry.Unix() <= 0 {
		return 0, true
	}
	return vamm.Moment(c.Expiry.Unix()), true
}

// DeriveConfig sizes a fresh market around an index price. Both reserves
// represent depth units of base liquidity: base = depth, quote = depth *
// indexPrice, peg = 1, so the opening reserve price equals the index price
// up to flooring.
func DeriveConfig(indexPrice fixed.FixedU128, depth fixed.Balance, twapPeriod vamm.Moment) (vamm.Config, error) {
	if depth.IsZero() {
		return vamm.Config{}, ErrZeroDepth
	}
	quote, err := indexPrice.MulBalance(depth)
	if err != nil {
		return vamm.Config{}, fmt.Errorf("derive quote reserves: %w", err)
	}
	if quote.IsZero() {
		return vamm.Config{}, fmt.Errorf("%w: %s at depth %s", ErrPriceTooLow, indexPrice, depth)
	}
	return vamm.Config{
		BaseAssetReserves:  depth,
		QuoteAssetReserves: quote,
		PegMultiplier:      fixed.NewBalance(1),
		TwapPeriod:         twapPeriod,
	}, nil
}
