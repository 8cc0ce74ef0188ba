package correlation

import (
	"testing"

	"lukechampine.com/uint128"

	"github.com/atmx/perp-engine/internal/fixed"
)

func d(v uint64) fixed.Balance {
	return fixed.NewBalance(v)
}

var (
	btcUSD = MarketKey{Market: 0, Underlying: "BTC"}
	btcEUR = MarketKey{Market: 1, Underlying: "BTC"}
	btcJPY = MarketKey{Market: 2, Underlying: "BTC"}
	ethUSD = MarketKey{Market: 3, Underlying: "ETH"}
)

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	err := limiter.CheckLimit(btcUSD, d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing notional of 950 + new 100 = 1050 > 1000.
	existing := map[MarketKey]fixed.Balance{
		btcUSD: d(950),
	}

	err := limiter.CheckLimit(btcUSD, d(100), existing)
	if err != ErrPerMarketLimitExceeded {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerMarketAtLimit(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	existing := map[MarketKey]fixed.Balance{
		btcUSD: d(900),
	}

	err := limiter.CheckLimit(btcUSD, d(100), existing)
	if err != nil {
		t.Errorf("expected no error at exactly the limit, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := map[MarketKey]fixed.Balance{
		btcUSD: d(800),
		btcEUR: d(800),
		ethUSD: d(900), // different underlying
	}

	// 800 + 800 + 500 = 2100 > 2000.
	err := limiter.CheckLimit(btcJPY, d(500), existing)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_UncorrelatedIgnored(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := map[MarketKey]fixed.Balance{
		btcUSD: d(1000),
		btcEUR: d(1000),
	}

	// ETH exposure does not count against the BTC group.
	err := limiter.CheckLimit(ethUSD, d(1000), existing)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_TargetCountedOnce(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(1500))

	existing := map[MarketKey]fixed.Balance{
		btcUSD: d(700),
		btcEUR: d(700),
	}

	// 700 (+100 in target) + 700 = 1500, exactly at the correlated limit.
	err := limiter.CheckLimit(btcUSD, d(100), existing)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(fixed.ZeroBalance, fixed.ZeroBalance)

	existing := map[MarketKey]fixed.Balance{
		btcEUR: d(1 << 62),
	}
	if err := limiter.CheckLimit(btcUSD, d(1<<62), existing); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestCheckLimit_OverflowIsRejected(t *testing.T) {
	limiter := NewPositionLimiter(fixed.ZeroBalance, fixed.ZeroBalance)

	existing := map[MarketKey]fixed.Balance{
		btcUSD: uint128.Max,
	}
	if err := limiter.CheckLimit(btcUSD, d(1), existing); err != ErrPerMarketLimitExceeded {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
}
