// Package correlation implements position limits that account for markets
// sharing an underlying asset.
//
// A trader long on BTC-USD-PERP and BTC-EUR-PERP carries one correlated bet on
// BTC. The limiter caps notional per market and the aggregate notional across
// every market on the same underlying.
package correlation

import (
	"errors"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/fixed"
)

var (
	// ErrPerMarketLimitExceeded is returned when a trade would push a single
	// market's notional beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("correlation: per-market position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate notional across markets on the same underlying beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated exposure limit exceeded")
)

// MarketKey identifies a market together with its underlying asset.
type MarketKey struct {
	Market     uint64
	Underlying assets.Asset
}

// PositionLimiter enforces position limits with correlation awareness.
// A zero maximum disables that check.
type PositionLimiter struct {
	// MaxPerMarket is the maximum notional held in any single market.
	MaxPerMarket fixed.Balance

	// MaxCorrelated is the maximum aggregate notional across all markets
	// sharing an underlying asset.
	MaxCorrelated fixed.Balance
}

// NewPositionLimiter creates a limiter with the given per-market and
// correlated exposure limits.
func NewPositionLimiter(maxPerMarket, maxCorrelated fixed.Balance) *PositionLimiter {
	return &PositionLimiter{
		MaxPerMarket:  maxPerMarket,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether adding notionalDelta to target respects the
// limits, given the account's current notional per market.
func (l *PositionLimiter) CheckLimit(
	target MarketKey,
	notionalDelta fixed.Balance,
	existing map[MarketKey]fixed.Balance,
) error {
	// 1. Per-market limit.
	inMarket, err := fixed.CheckedAdd(existing[target], notionalDelta)
	if err != nil {
		return ErrPerMarketLimitExceeded
	}
	if !l.MaxPerMarket.IsZero() && inMarket.Cmp(l.MaxPerMarket) > 0 {
		return ErrPerMarketLimitExceeded
	}

	if l.MaxCorrelated.IsZero() {
		return nil
	}

	// 2. Correlated exposure: sum notional across markets on the same underlying.
	total := inMarket
	for key, notional := range existing {
		if key == target || key.Underlying != target.Underlying {
			continue
		}
		if total, err = fixed.CheckedAdd(total, notional); err != nil {
			return ErrCorrelatedLimitExceeded
		}
	}

	if total.Cmp(l.MaxCorrelated) > 0 {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}
