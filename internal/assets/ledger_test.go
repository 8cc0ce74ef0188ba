package assets

import (
	"errors"
	"testing"

	"lukechampine.com/uint128"

	"github.com/atmx/perp-engine/internal/fixed"
)

func TestTransfer(t *testing.T) {
	l := NewLedger("USDC")
	if err := l.Mint("alice", "USDC", fixed.NewBalance(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := l.Transfer("alice", "custody", "USDC", fixed.NewBalance(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.BalanceOf("alice", "USDC"); !got.Equals(fixed.NewBalance(60)) {
		t.Errorf("alice: expected 60, got %s", got)
	}
	if got := l.BalanceOf("custody", "USDC"); !got.Equals(fixed.NewBalance(40)) {
		t.Errorf("custody: expected 40, got %s", got)
	}
}

func TestTransfer_Errors(t *testing.T) {
	l := NewLedger("USDC")
	_ = l.Mint("alice", "USDC", fixed.NewBalance(10))

	if err := l.Transfer("alice", "bob", "USDC", fixed.NewBalance(11)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected insufficient balance, got %v", err)
	}
	if err := l.Transfer("alice", "bob", "DOGE", fixed.NewBalance(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected unknown asset, got %v", err)
	}
	if got := l.BalanceOf("alice", "USDC"); !got.Equals(fixed.NewBalance(10)) {
		t.Errorf("failed transfer moved funds: %s", got)
	}
}

func TestTransfer_OverflowLeavesBothSides(t *testing.T) {
	l := NewLedger("USDC")
	_ = l.Mint("alice", "USDC", fixed.NewBalance(5))
	_ = l.Mint("whale", "USDC", uint128.Max)

	if err := l.Transfer("alice", "whale", "USDC", fixed.NewBalance(5)); !errors.Is(err, fixed.ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if got := l.BalanceOf("alice", "USDC"); !got.Equals(fixed.NewBalance(5)) {
		t.Errorf("sender debited on failed transfer: %s", got)
	}
}

func TestHoldings_Sorted(t *testing.T) {
	l := NewLedger("USDC", "BTC")
	_ = l.Mint("zed", "USDC", fixed.NewBalance(1))
	_ = l.Mint("amy", "USDC", fixed.NewBalance(2))
	_ = l.Mint("amy", "BTC", fixed.NewBalance(3))
	_ = l.Mint("nil", "BTC", fixed.ZeroBalance)

	got := l.Holdings()
	want := []struct {
		account Account
		asset   Asset
	}{{"amy", "BTC"}, {"amy", "USDC"}, {"zed", "USDC"}}
	if len(got) != len(want) {
		t.Fatalf("expected %d holdings, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Account != w.account || got[i].Asset != w.asset {
			t.Errorf("holding %d: expected %s/%s, got %s/%s", i, w.account, w.asset, got[i].Account, got[i].Asset)
		}
	}
}
