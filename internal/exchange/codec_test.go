package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"testing"

	"cosmossdk.io/math"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/clearinghouse"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/vamm"
)

func TestVammState_RestoresRecordedState(t *testing.T) {
	e := vamm.NewEngine()
	id, err := e.Create(vamm.Config{
		BaseAssetReserves:  fixed.NewBalance(1000),
		QuoteAssetReserves: fixed.NewBalance(2000),
		PegMultiplier:      fixed.NewBalance(3),
		TwapPeriod:         60,
	}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Swap(vamm.SwapConfig{VammID: id, Asset: vamm.Quote, Direction: vamm.Add, InputAmount: fixed.NewBalance(300)}, 20); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(id, 500, 30); err != nil {
		t.Fatal(err)
	}
	want, err := e.Get(id)
	if err != nil {
		t.Fatal(err)
	}

	rec := marketRecord(clearinghouse.Market{ID: id, Asset: "BTC"}, marketMeta{Symbol: "BTC-USD-PERP", CreatedAt: 10}, want)
	if rec.ClosedAt == nil || *rec.ClosedAt != 500 {
		t.Fatalf("closed_at = %v, want 500", rec.ClosedAt)
	}
	got, err := vammState(rec)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("restored state differs:\n got %+v\nwant %+v", got, want)
	}
}

func TestVammState_RejectsCorruptRecords(t *testing.T) {
	rec := marketRecord(clearinghouse.Market{}, marketMeta{}, vamm.State{})

	frac := rec
	frac.Invariant = decimal.RequireFromString("1.5")
	if _, err := vammState(frac); !errors.Is(err, fixed.ErrNotInteger) {
		t.Errorf("fractional invariant: got %v", err)
	}

	neg := rec
	neg.BaseAssetReserves = decimal.NewFromInt(-1)
	if _, err := vammState(neg); err == nil {
		t.Error("negative reserves should be rejected")
	}

	huge := rec
	huge.Invariant = decimal.New(1, 80)
	if _, err := vammState(huge); !errors.Is(err, fixed.ErrOverflow) {
		t.Errorf("oversized invariant: got %v", err)
	}
}

func TestLedgerID_Deterministic(t *testing.T) {
	if ledgerID(7) != ledgerID(7) {
		t.Error("same sequence should give the same id")
	}
	if ledgerID(7) == ledgerID(8) {
		t.Error("different sequences should give different ids")
	}
}

func TestLedgerEntry_Scoping(t *testing.T) {
	deposit := ledgerEntry(1, clearinghouse.Event{Kind: clearinghouse.EventCollateralDeposited, Account: "alice", Asset: "USDC", Amount: fixed.NewBalance(5)})
	if deposit.MarketID != nil || deposit.Direction != "" {
		t.Errorf("deposit entry should carry no market or direction: %+v", deposit)
	}
	if !deposit.PnL.IsZero() {
		t.Errorf("unset pnl = %s, want 0", deposit.PnL)
	}

	settled := ledgerEntry(2, clearinghouse.Event{
		Kind:      clearinghouse.EventPositionSettled,
		Account:   "bob",
		Market:    3,
		Direction: clearinghouse.Short,
		PnL:       math.NewInt(-1880),
	})
	if settled.MarketID == nil || *settled.MarketID != 3 || settled.Direction != "short" {
		t.Errorf("settled entry = %+v", settled)
	}
	if !settled.PnL.Equal(decimal.NewFromInt(-1880)) {
		t.Errorf("pnl = %s, want -1880", settled.PnL)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", vamm.ErrVammDoesNotExist), http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{vamm.ErrVammIsClosed, http.StatusConflict},
		{clearinghouse.ErrInsufficientCollateral, http.StatusConflict},
		{fmt.Errorf("%w: paying 5 to bob: %v", clearinghouse.ErrInsuranceFundExhausted, errors.New("short")), http.StatusConflict},
		{correlation.ErrCorrelatedLimitExceeded, http.StatusConflict},
		{fixed.ErrOverflow, http.StatusUnprocessableEntity},
		{fixed.ErrNotInteger, http.StatusBadRequest},
		{fmt.Errorf("%w: 1000 at peg 3", vamm.ErrQuoteAmountNotPegAligned), http.StatusBadRequest},
		{errTimeWentBackwards, http.StatusBadRequest},
		{fmt.Errorf("%w: amount: %v", errInvalidRequest, fixed.ErrUnderflow), http.StatusBadRequest},
		{errFaucetDisabled, http.StatusForbidden},
		{errArchiveDisabled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
