package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/vamm"
)

func TestParseTicker_Perp(t *testing.T) {
	c, err := ParseTicker("BTC-USD-PERP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Base != "BTC" {
		t.Errorf("expected base=BTC, got %s", c.Base)
	}
	if c.Quote != "USD" {
		t.Errorf("expected quote=USD, got %s", c.Quote)
	}
	if c.Kind != KindPerp {
		t.Errorf("expected kind=PERP, got %s", c.Kind)
	}
	if _, ok := c.CloseAt(); ok {
		t.Error("perpetual should have no closing time")
	}
}

func TestParseTicker_Dated(t *testing.T) {
	c, err := ParseTicker("ETH-USDC-20261231")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Kind != KindDated {
		t.Errorf("expected kind=DATED, got %s", c.Kind)
	}
	expected := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	if c.Expiry == nil || !c.Expiry.Equal(expected) {
		t.Fatalf("expected expiry=%v, got %v", expected, c.Expiry)
	}
	at, ok := c.CloseAt()
	if !ok || at != vamm.Moment(expected.Unix()) {
		t.Errorf("expected close at %d, got %d (ok=%v)", expected.Unix(), at, ok)
	}
}

func TestCloseAt_PreEpochIsDated(t *testing.T) {
	for _, ticker := range []string{"BTC-USD-19700101", "BTC-USD-19600101"} {
		c, err := ParseTicker(ticker)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", ticker, err)
		}
		at, ok := c.CloseAt()
		if !ok || at != 0 {
			t.Errorf("%s: expected dated close at 0, got %d (ok=%v)", ticker, at, ok)
		}
	}
}

func TestParseTicker_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"BTC-USD",
		"BTC-USD-FUT",
		"btc-usd-PERP",       // lowercase
		"BTC-USD-2026123",    // short date
		"BTC-USD-20261340",   // bad month
		"B-USD-PERP",         // symbol too short
		"BTC_USD_PERP",       // wrong separator
		"BTC-USD-PERP-EXTRA", // trailing segment
	}
	for _, ticker := range tests {
		_, err := ParseTicker(ticker)
		if err == nil {
			t.Errorf("expected error for ticker %q", ticker)
		}
	}
}

func TestParseTicker_SameAsset(t *testing.T) {
	_, err := ParseTicker("USD-USD-PERP")
	if !errors.Is(err, ErrSameAsset) {
		t.Errorf("expected ErrSameAsset, got %v", err)
	}
}

func TestDeriveConfig(t *testing.T) {
	depth := fixed.NewBalance(1_000_000)
	cfg, err := DeriveConfig(fixed.FromInteger(25), depth, 3600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.BaseAssetReserves.Equals(depth) {
		t.Errorf("expected base reserves=%s, got %s", depth, cfg.BaseAssetReserves)
	}
	if !cfg.QuoteAssetReserves.Equals(fixed.NewBalance(25_000_000)) {
		t.Errorf("expected quote reserves=25000000, got %s", cfg.QuoteAssetReserves)
	}

	e := vamm.NewEngine()
	id, err := e.Create(cfg, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p, _ := e.Price(id)
	if !p.Equal(fixed.FromInteger(25)) {
		t.Errorf("opening price should match index, got %s", p)
	}
}

func TestDeriveConfig_Errors(t *testing.T) {
	if _, err := DeriveConfig(fixed.One, fixed.ZeroBalance, 60); !errors.Is(err, ErrZeroDepth) {
		t.Errorf("expected ErrZeroDepth, got %v", err)
	}
	tiny := fixed.FromInner(fixed.NewBalance(1)) // 1e-18
	if _, err := DeriveConfig(tiny, fixed.NewBalance(10), 60); !errors.Is(err, ErrPriceTooLow) {
		t.Errorf("expected ErrPriceTooLow, got %v", err)
	}
}
