package clearinghouse

import (
	"errors"
	"testing"

	"cosmossdk.io/math"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/vamm"
)

const (
	e18     = 1_000_000_000_000_000_000
	usdc    = assets.Asset("USDC")
	btc     = assets.Asset("BTC")
	custody = assets.Account("custody")
	fund    = assets.Account("insurance")
	alice   = assets.Account("alice")
	bob     = assets.Account("bob")
)

func d(v uint64) fixed.Balance { return fixed.NewBalance(v) }

type recorder struct{ events []Event }

func (r *recorder) Publish(e Event) { r.events = append(r.events, e) }

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	ch     *ClearingHouse
	ledger *assets.Ledger
	sink   *recorder
}

func newFixture(t *testing.T, limiter *correlation.PositionLimiter) *fixture {
	t.Helper()
	ledger := assets.NewLedger(usdc, btc)
	for _, a := range []assets.Account{alice, bob, fund} {
		if err := ledger.Mint(a, usdc, d(10*e18)); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	feeds := oracle.NewStatic(map[assets.Asset]fixed.FixedU128{btc: fixed.One})
	sink := &recorder{}
	ch, err := New(Config{CollateralAsset: usdc, CustodyAccount: custody, InsuranceAccount: fund, Limiter: limiter},
		vamm.NewEngine(), ledger, feeds, sink)
	if err != nil {
		t.Fatalf("new clearing house: %v", err)
	}
	return &fixture{ch: ch, ledger: ledger, sink: sink}
}

func (f *fixture) market(t *testing.T, reserves uint64) vamm.ID {
	t.Helper()
	m, err := f.ch.CreateMarket(btc, vamm.Config{
		BaseAssetReserves:  d(reserves),
		QuoteAssetReserves: d(reserves),
		PegMultiplier:      d(1),
		TwapPeriod:         3600,
	}, 0)
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return m.ID
}

// assertCustodyBacked checks that custody holds exactly the sum of all
// collateral.
func (f *fixture) assertCustodyBacked(t *testing.T) {
	t.Helper()
	total := fixed.ZeroBalance
	for _, b := range f.ch.CollateralBalances() {
		total = total.Add(b.Amount)
	}
	if got := f.ledger.BalanceOf(custody, usdc); !got.Equals(total) {
		t.Errorf("custody holds %s, collateral totals %s", got, total)
	}
}

func (f *fixture) deposit(t *testing.T, account assets.Account, amount uint64) {
	t.Helper()
	if err := f.ch.DepositCollateral(account, usdc, d(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	engine := vamm.NewEngine()
	ledger := assets.NewLedger(usdc)
	feeds := oracle.NewStatic(nil)
	valid := Config{CollateralAsset: usdc, CustodyAccount: custody, InsuranceAccount: fund}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing collateral asset", func(c *Config) { c.CollateralAsset = "" }},
		{"missing custody", func(c *Config) { c.CustodyAccount = "" }},
		{"missing insurance", func(c *Config) { c.InsuranceAccount = "" }},
		{"insurance is custody", func(c *Config) { c.InsuranceAccount = custody }},
		{"margin ratio above one", func(c *Config) { c.InitialMarginRatio = fixed.FromInteger(2) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if _, err := New(cfg, engine, ledger, feeds, nil); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	ch, err := New(valid, engine, ledger, feeds, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ch.Config().InitialMarginRatio.Equal(DefaultInitialMarginRatio()) {
		t.Errorf("expected default margin ratio, got %s", ch.Config().InitialMarginRatio)
	}
}

// --- Collateral ---

func TestDepositCollateral_ZeroAlwaysFails(t *testing.T) {
	f := newFixture(t, nil)
	for _, account := range []assets.Account{alice, bob, "nobody"} {
		for _, asset := range []assets.Asset{usdc, btc, "DOGE"} {
			err := f.ch.DepositCollateral(account, asset, fixed.ZeroBalance)
			if !errors.Is(err, ErrNoCollateralDeposited) {
				t.Errorf("%s/%s: expected ErrNoCollateralDeposited, got %v", account, asset, err)
			}
		}
	}
	if len(f.sink.events) != 0 {
		t.Errorf("failed deposits published %d events", len(f.sink.events))
	}
}

func TestDepositCollateral(t *testing.T) {
	f := newFixture(t, nil)
	f.deposit(t, alice, 4*e18)
	f.deposit(t, alice, 2*e18/10)

	if got := f.ch.Collateral(alice); !got.Equals(d(42 * e18 / 10)) {
		t.Errorf("expected collateral 4.2e18, got %s", got)
	}
	if got := f.ledger.BalanceOf(custody, usdc); !got.Equals(d(42 * e18 / 10)) {
		t.Errorf("expected custody 4.2e18, got %s", got)
	}
	if got := f.ledger.BalanceOf(alice, usdc); !got.Equals(d(58 * e18 / 10)) {
		t.Errorf("expected wallet 5.8e18, got %s", got)
	}
	if len(f.sink.events) != 2 || f.sink.events[0].Kind != EventCollateralDeposited {
		t.Errorf("expected two deposit events, got %v", f.sink.kinds())
	}
}

func TestDepositCollateral_Errors(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.ch.DepositCollateral(alice, btc, d(1)); !errors.Is(err, ErrUnsupportedCollateral) {
		t.Errorf("expected ErrUnsupportedCollateral, got %v", err)
	}
	if err := f.ch.DepositCollateral(alice, usdc, d(11*e18)); !errors.Is(err, assets.ErrInsufficientBalance) {
		t.Errorf("expected transfer failure, got %v", err)
	}
	if got := f.ch.Collateral(alice); !got.IsZero() {
		t.Errorf("failed deposit credited %s", got)
	}
	if len(f.ch.CollateralBalances()) != 0 {
		t.Error("failed deposit created a collateral record")
	}
}

func TestWithdrawCollateral(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, 4*e18)
	f.deposit(t, alice, 5*e18)

	if err := f.ch.WithdrawCollateral(alice, usdc, fixed.ZeroBalance); !errors.Is(err, ErrNoCollateralWithdrawn) {
		t.Errorf("expected ErrNoCollateralWithdrawn, got %v", err)
	}
	if err := f.ch.WithdrawCollateral(alice, usdc, d(6*e18)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}

	// 4e18 notional at 10% margin requires 4e17.
	if _, err := f.ch.OpenPosition(alice, id, Long, d(4*e18), nil, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.ch.WithdrawCollateral(alice, usdc, d(4*e18+7*e18/10)); !errors.Is(err, ErrInsufficientMarginForWithdrawal) {
		t.Errorf("expected ErrInsufficientMarginForWithdrawal, got %v", err)
	}

	if err := f.ch.WithdrawCollateral(alice, usdc, d(4*e18+6*e18/10)); err != nil {
		t.Fatalf("withdraw down to margin: %v", err)
	}
	if got := f.ch.Collateral(alice); !got.Equals(d(4 * e18 / 10)) {
		t.Errorf("expected 4e17 left, got %s", got)
	}
	if got := f.ledger.BalanceOf(alice, usdc); !got.Equals(d(9*e18 + 6*e18/10)) {
		t.Errorf("unexpected wallet balance %s", got)
	}
}

// --- Markets ---

func TestCreateMarket_RequiresPriceFeed(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ch.CreateMarket("ETH", vamm.Config{
		BaseAssetReserves: d(e18), QuoteAssetReserves: d(e18), PegMultiplier: d(1), TwapPeriod: 60,
	}, 0)
	if !errors.Is(err, ErrNoPriceFeedForAsset) {
		t.Fatalf("expected ErrNoPriceFeedForAsset, got %v", err)
	}
	if len(f.ch.Markets()) != 0 || len(f.ch.Engine().IDs()) != 0 {
		t.Error("rejected market left state behind")
	}
}

func TestCreateMarket_PropagatesVammValidation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ch.CreateMarket(btc, vamm.Config{QuoteAssetReserves: d(1), PegMultiplier: d(1), TwapPeriod: 60}, 0)
	if !errors.Is(err, vamm.ErrBaseAssetReserveIsZero) {
		t.Fatalf("expected ErrBaseAssetReserveIsZero, got %v", err)
	}
}

func TestIndexPrice(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, e18)
	p, err := f.ch.IndexPrice(id)
	if err != nil || !p.Equal(fixed.One) {
		t.Fatalf("expected 1.0, got %s (%v)", p, err)
	}
	if _, err := f.ch.IndexPrice(99); !errors.Is(err, ErrMarketDoesNotExist) {
		t.Errorf("expected ErrMarketDoesNotExist, got %v", err)
	}
}

// --- Positions ---

func TestOpenPosition_AliceExample(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, e18)
	f.deposit(t, alice, 1_000_000)

	pos, err := f.ch.OpenPosition(alice, id, Long, d(1_000_000), nil, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// The pool rounds the base it releases down by one unit.
	if !pos.Size.Equals(d(999_999)) {
		t.Errorf("expected size 999999, got %s", pos.Size)
	}
	if want, _ := fixed.FromRational(d(1_000_000), d(999_999)); !pos.EntryPrice.Equal(want) {
		t.Errorf("expected entry %s, got %s", want, pos.EntryPrice)
	}

	if err := f.ch.CloseMarket(id, 10, 0); err != nil {
		t.Fatalf("close market: %v", err)
	}
	ev, err := f.ch.SettlePosition(alice, id, 10)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !ev.PnL.IsZero() {
		t.Errorf("expected zero pnl, got %s", ev.PnL)
	}
	if got := f.ch.Collateral(alice); !got.Equals(d(1_000_000)) {
		t.Errorf("collateral changed: %s", got)
	}
	if _, ok := f.ch.Position(alice, id); ok {
		t.Error("settled position should be removed")
	}
}

func TestSettlePosition_ZeroSum(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, 4*e18)
	f.deposit(t, alice, 5*e18)
	f.deposit(t, bob, 5*e18)

	long, err := f.ch.OpenPosition(alice, id, Long, d(4*e18), nil, 0)
	if err != nil {
		t.Fatalf("alice open: %v", err)
	}
	short, err := f.ch.OpenPosition(bob, id, Short, d(4*e18), nil, 0)
	if err != nil {
		t.Fatalf("bob open: %v", err)
	}
	if !long.Size.Equals(short.Size) || !long.EntryPrice.Equal(short.EntryPrice) {
		t.Fatalf("positions should offset: %+v vs %+v", long, short)
	}
	if !long.EntryPrice.Equal(fixed.FromInteger(2)) {
		t.Errorf("expected entry 2.0, got %s", long.EntryPrice)
	}

	before := math.NewIntFromBigInt(f.ch.Collateral(alice).Big()).Add(math.NewIntFromBigInt(f.ch.Collateral(bob).Big()))

	if err := f.ch.CloseMarket(id, 10, 5); err != nil {
		t.Fatalf("close market: %v", err)
	}
	if _, err := f.ch.SettlePosition(alice, id, 9); !errors.Is(err, vamm.ErrVammIsOpen) {
		t.Fatalf("settling a closing market: expected ErrVammIsOpen, got %v", err)
	}

	a, err := f.ch.SettlePosition(alice, id, 10)
	if err != nil {
		t.Fatalf("alice settle: %v", err)
	}
	b, err := f.ch.SettlePosition(bob, id, 10)
	if err != nil {
		t.Fatalf("bob settle: %v", err)
	}
	if !a.PnL.Add(b.PnL).IsZero() {
		t.Errorf("pnl should net to zero: %s + %s", a.PnL, b.PnL)
	}
	// Settlement price stays at the seeded 1.0 twap.
	if !a.PnL.Equal(math.NewIntFromUint64(2 * e18).Neg()) {
		t.Errorf("expected alice pnl -2e18, got %s", a.PnL)
	}

	after := math.NewIntFromBigInt(f.ch.Collateral(alice).Big()).Add(math.NewIntFromBigInt(f.ch.Collateral(bob).Big()))
	if !after.Equal(before) {
		t.Errorf("total collateral changed: %s -> %s", before, after)
	}
	if !f.ch.BadDebt().IsZero() {
		t.Errorf("unexpected bad debt %s", f.ch.BadDebt())
	}
	f.assertCustodyBacked(t)
	if got := f.ledger.BalanceOf(fund, usdc); !got.Equals(d(10 * e18)) {
		t.Errorf("offsetting settlement should leave the fund at 10e18, got %s", got)
	}
}

func TestSettlePosition_LossBeyondCollateralIsBadDebt(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, 4*e18)
	f.deposit(t, alice, e18)
	f.deposit(t, bob, 5*e18)

	if _, err := f.ch.OpenPosition(alice, id, Long, d(4*e18), nil, 0); err != nil {
		t.Fatalf("alice open: %v", err)
	}
	if _, err := f.ch.OpenPosition(bob, id, Short, d(4*e18), nil, 0); err != nil {
		t.Fatalf("bob open: %v", err)
	}
	if err := f.ch.CloseMarket(id, 10, 0); err != nil {
		t.Fatalf("close market: %v", err)
	}

	if _, err := f.ch.SettlePosition(alice, id, 10); err != nil {
		t.Fatalf("alice settle: %v", err)
	}
	if got := f.ch.Collateral(alice); !got.IsZero() {
		t.Errorf("expected alice wiped out, got %s", got)
	}
	if got := f.ch.BadDebt(); !got.Equals(d(e18)) {
		t.Errorf("expected bad debt 1e18, got %s", got)
	}
	f.assertCustodyBacked(t)

	if _, err := f.ch.SettlePosition(bob, id, 10); err != nil {
		t.Fatalf("bob settle: %v", err)
	}
	if got := f.ch.Collateral(bob); !got.Equals(d(7 * e18)) {
		t.Errorf("expected bob 7e18, got %s", got)
	}
	f.assertCustodyBacked(t)
	// The fund collected 1e18 from alice and paid bob 2e18.
	if got := f.ledger.BalanceOf(fund, usdc); !got.Equals(d(9 * e18)) {
		t.Errorf("expected insurance 9e18, got %s", got)
	}

	if err := f.ch.WithdrawCollateral(bob, usdc, d(7*e18)); err != nil {
		t.Fatalf("bob withdraws everything: %v", err)
	}
	if got := f.ledger.BalanceOf(bob, usdc); !got.Equals(d(12 * e18)) {
		t.Errorf("expected bob wallet 12e18, got %s", got)
	}
}

func TestSettlePosition_GainNeedsInsurance(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, 4*e18)
	f.deposit(t, alice, e18)
	f.deposit(t, bob, 5*e18)
	if err := f.ledger.Transfer(fund, "elsewhere", usdc, d(10*e18)); err != nil {
		t.Fatalf("drain fund: %v", err)
	}

	if _, err := f.ch.OpenPosition(alice, id, Long, d(4*e18), nil, 0); err != nil {
		t.Fatalf("alice open: %v", err)
	}
	if _, err := f.ch.OpenPosition(bob, id, Short, d(4*e18), nil, 0); err != nil {
		t.Fatalf("bob open: %v", err)
	}
	if err := f.ch.CloseMarket(id, 10, 0); err != nil {
		t.Fatalf("close market: %v", err)
	}
	f.sink.events = nil

	// Bob's 2e18 gain cannot be paid before any loss reaches the fund.
	if _, err := f.ch.SettlePosition(bob, id, 10); !errors.Is(err, ErrInsuranceFundExhausted) {
		t.Fatalf("expected ErrInsuranceFundExhausted, got %v", err)
	}
	if _, ok := f.ch.Position(bob, id); !ok {
		t.Error("rejected settlement removed the position")
	}
	if got := f.ch.Collateral(bob); !got.Equals(d(5 * e18)) {
		t.Errorf("rejected settlement changed collateral to %s", got)
	}
	if len(f.sink.events) != 0 {
		t.Errorf("rejected settlement published %v", f.sink.kinds())
	}
	f.assertCustodyBacked(t)

	// Alice's 1e18 collected loss is all the fund holds.
	if _, err := f.ch.SettlePosition(alice, id, 10); err != nil {
		t.Fatalf("alice settle: %v", err)
	}
	if _, err := f.ch.SettlePosition(bob, id, 10); !errors.Is(err, ErrInsuranceFundExhausted) {
		t.Fatalf("expected ErrInsuranceFundExhausted, got %v", err)
	}
	if err := f.ledger.Mint(fund, usdc, d(e18)); err != nil {
		t.Fatalf("top up fund: %v", err)
	}
	if _, err := f.ch.SettlePosition(bob, id, 10); err != nil {
		t.Fatalf("bob settle after top-up: %v", err)
	}
	f.assertCustodyBacked(t)
}

func TestSettlePosition_Errors(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, e18)

	if _, err := f.ch.SettlePosition(alice, id, 100); !errors.Is(err, vamm.ErrVammIsOpen) {
		t.Errorf("open market: expected ErrVammIsOpen, got %v", err)
	}
	if err := f.ch.CloseMarket(id, 10, 0); err != nil {
		t.Fatalf("close market: %v", err)
	}
	if _, err := f.ch.SettlePosition(alice, id, 10); !errors.Is(err, ErrPositionDoesNotExist) {
		t.Errorf("expected ErrPositionDoesNotExist, got %v", err)
	}
	if _, err := f.ch.SettlePosition(alice, 42, 10); !errors.Is(err, ErrMarketDoesNotExist) {
		t.Errorf("expected ErrMarketDoesNotExist, got %v", err)
	}
	if err := f.ch.CloseMarket(id, 20, 5); !errors.Is(err, vamm.ErrVammIsClosing) {
		t.Errorf("expected ErrVammIsClosing, got %v", err)
	}
}

func TestOpenPosition_InsufficientCollateralRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, 4*e18)
	f.deposit(t, alice, 1)
	before, _ := f.ch.Engine().Get(id)
	f.sink.events = nil

	_, err := f.ch.OpenPosition(alice, id, Long, d(4*e18), nil, 100)
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}

	after, _ := f.ch.Engine().Get(id)
	if !after.BaseAssetReserves.Equals(before.BaseAssetReserves) ||
		!after.QuoteAssetReserves.Equals(before.QuoteAssetReserves) ||
		!after.Invariant.Eq(&before.Invariant) ||
		after.BaseAssetTwap != before.BaseAssetTwap {
		t.Error("vamm state not rolled back")
	}
	if _, ok := f.ch.Position(alice, id); ok {
		t.Error("position not rolled back")
	}
	if len(f.sink.events) != 0 {
		t.Errorf("rolled back transition published %v", f.sink.kinds())
	}
}

func TestOpenPosition_Errors(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, e18)
	f.deposit(t, alice, 10*e18)

	if _, err := f.ch.OpenPosition(alice, 9, Long, d(1), nil, 0); !errors.Is(err, ErrMarketDoesNotExist) {
		t.Errorf("expected ErrMarketDoesNotExist, got %v", err)
	}
	if _, err := f.ch.OpenPosition(alice, id, Long, fixed.ZeroBalance, nil, 0); !errors.Is(err, ErrZeroTradeAmount) {
		t.Errorf("expected ErrZeroTradeAmount, got %v", err)
	}
	if _, err := f.ch.OpenPosition(alice, id, Direction(7), d(1), nil, 0); !errors.Is(err, ErrInvalidDirection) {
		t.Errorf("expected ErrInvalidDirection, got %v", err)
	}
	minBase := d(1_000_001)
	if _, err := f.ch.OpenPosition(alice, id, Long, d(1_000_000), &minBase, 0); !errors.Is(err, vamm.ErrSwappedAmountLessThanMinimumLimit) {
		t.Errorf("expected slippage rejection, got %v", err)
	}

	if _, err := f.ch.OpenPosition(alice, id, Long, d(1_000_000), nil, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.ch.OpenPosition(alice, id, Short, d(1_000_000), nil, 0); !errors.Is(err, ErrOppositePositionExists) {
		t.Errorf("expected ErrOppositePositionExists, got %v", err)
	}
}

func TestOpenPosition_AddAveragesEntry(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, 4*e18)
	f.deposit(t, alice, 10*e18)

	if _, err := f.ch.OpenPosition(alice, id, Long, d(4*e18), nil, 0); err != nil {
		t.Fatalf("first open: %v", err)
	}
	pos, err := f.ch.OpenPosition(alice, id, Long, d(8*e18), nil, 0)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	// Reserves go (4,4) -> (2,8) -> (1,16): sizes 2 and 1, notional 12.
	if !pos.Size.Equals(d(3 * e18)) {
		t.Errorf("expected size 3e18, got %s", pos.Size)
	}
	if !pos.Notional.Equals(d(12 * e18)) {
		t.Errorf("expected notional 12e18, got %s", pos.Notional)
	}
	if !pos.EntryPrice.Equal(fixed.FromInteger(4)) {
		t.Errorf("expected entry 4.0, got %s", pos.EntryPrice)
	}
}

func TestOpenPosition_UpdatesTwapAfterTrade(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, 4*e18)
	f.deposit(t, alice, 5*e18)
	f.sink.events = nil

	if _, err := f.ch.OpenPosition(alice, id, Long, d(4*e18), nil, 3600); err != nil {
		t.Fatalf("open: %v", err)
	}
	kinds := f.sink.kinds()
	if len(kinds) != 2 || kinds[0] != EventPositionOpened || kinds[1] != EventTwapUpdated {
		t.Fatalf("expected [opened twap], got %v", kinds)
	}
	// A full window elapsed, so the twap is the post-trade price 8/2 = 4.0.
	if !f.sink.events[1].Price.Equal(fixed.FromInteger(4)) {
		t.Errorf("expected twap 4.0, got %s", f.sink.events[1].Price)
	}

	// A second trade at the same moment leaves the twap alone.
	f.sink.events = nil
	if _, err := f.ch.OpenPosition(alice, id, Long, d(1_000), nil, 3600); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if kinds := f.sink.kinds(); len(kinds) != 1 {
		t.Errorf("stale twap update should be silent, got %v", kinds)
	}
}

func TestOpenPosition_Limiter(t *testing.T) {
	f := newFixture(t, correlation.NewPositionLimiter(d(e18), fixed.ZeroBalance))
	id := f.market(t, 4*e18)
	f.deposit(t, alice, 5*e18)

	_, err := f.ch.OpenPosition(alice, id, Long, d(2*e18), nil, 0)
	if !errors.Is(err, correlation.ErrPerMarketLimitExceeded) {
		t.Fatalf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
	if _, err := f.ch.OpenPosition(alice, id, Long, d(e18), nil, 0); err != nil {
		t.Fatalf("open within limit: %v", err)
	}
}

func TestClosePosition_Long(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, e18)
	f.deposit(t, alice, 1_000_000)

	if _, err := f.ch.OpenPosition(alice, id, Long, d(1_000_000), nil, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	ev, err := f.ch.ClosePosition(alice, id, nil, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// Both legs round against the trader: 1e6 quote buys 999999 base, which
	// sells back for 999999 quote.
	if !ev.Amount.Equals(d(999_999)) {
		t.Errorf("expected 999999 quote back, got %s", ev.Amount)
	}
	if !ev.PnL.Equal(math.NewInt(-1)) {
		t.Errorf("expected pnl -1, got %s", ev.PnL)
	}
	if got := f.ch.Collateral(alice); !got.Equals(d(999_999)) {
		t.Errorf("expected collateral 999999, got %s", got)
	}
	if got := f.ledger.BalanceOf(fund, usdc); !got.Equals(d(10*e18 + 1)) {
		t.Errorf("expected the fund to collect 1, got %s", got)
	}
	f.assertCustodyBacked(t)
	if _, ok := f.ch.Position(alice, id); ok {
		t.Error("closed position should be removed")
	}
}

func TestClosePosition_ShortProfitsFromFall(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, 4*e18)
	f.deposit(t, alice, 5*e18)
	f.deposit(t, bob, 5*e18)

	// Bob shorts at 2.0 after alice pushes the price up, then alice exits.
	if _, err := f.ch.OpenPosition(alice, id, Long, d(4*e18), nil, 0); err != nil {
		t.Fatalf("alice open: %v", err)
	}
	if _, err := f.ch.OpenPosition(bob, id, Short, d(4*e18), nil, 0); err != nil {
		t.Fatalf("bob open: %v", err)
	}
	if _, err := f.ch.ClosePosition(alice, id, nil, 0); err != nil {
		t.Fatalf("alice close: %v", err)
	}

	ev, err := f.ch.ClosePosition(bob, id, nil, 0)
	if err != nil {
		t.Fatalf("bob close: %v", err)
	}
	if !ev.PnL.IsPositive() {
		t.Errorf("short should profit from the fall, got %s", ev.PnL)
	}
	if len(f.ch.Positions()) != 0 {
		t.Error("all positions should be closed")
	}
	f.assertCustodyBacked(t)
}

func TestClosePosition_Errors(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, e18)
	f.deposit(t, alice, e18)

	if _, err := f.ch.ClosePosition(alice, id, nil, 0); !errors.Is(err, ErrPositionDoesNotExist) {
		t.Errorf("expected ErrPositionDoesNotExist, got %v", err)
	}
	if _, err := f.ch.OpenPosition(alice, id, Long, d(1_000_000), nil, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	minQuote := d(2_000_000)
	if _, err := f.ch.ClosePosition(alice, id, &minQuote, 0); !errors.Is(err, vamm.ErrSwappedAmountLessThanMinimumLimit) {
		t.Errorf("expected slippage rejection, got %v", err)
	}
	if _, ok := f.ch.Position(alice, id); !ok {
		t.Error("rejected close removed the position")
	}

	if err := f.ch.CloseMarket(id, 10, 0); err != nil {
		t.Fatalf("close market: %v", err)
	}
	if _, err := f.ch.ClosePosition(alice, id, nil, 10); !errors.Is(err, vamm.ErrVammIsClosed) {
		t.Errorf("expected ErrVammIsClosed, got %v", err)
	}
}

func TestEventsFollowTransitions(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, e18)
	f.deposit(t, alice, e18)
	if _, err := f.ch.OpenPosition(alice, id, Long, d(1_000_000), nil, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.ch.CloseMarket(id, 10, 0); err != nil {
		t.Fatalf("close market: %v", err)
	}
	if _, err := f.ch.SettlePosition(alice, id, 10); err != nil {
		t.Fatalf("settle: %v", err)
	}

	want := []EventKind{
		EventMarketCreated,
		EventCollateralDeposited,
		EventPositionOpened,
		EventMarketClosing,
		EventPositionSettled,
	}
	got := f.sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestUpdateTwap(t *testing.T) {
	f := newFixture(t, nil)
	id := f.market(t, e18)
	f.sink.events = nil

	two := fixed.FromInteger(2)
	v, ok, err := f.ch.UpdateTwap(id, &two, 1800, false)
	if err != nil || !ok {
		t.Fatalf("strict update: ok=%v err=%v", ok, err)
	}
	// Half a window at 1.0 and half at 2.0.
	want, _ := fixed.FromRational(d(3), d(2))
	if !v.Equal(want) {
		t.Errorf("expected twap %s, got %s", want, v)
	}
	if kinds := f.sink.kinds(); len(kinds) != 1 || kinds[0] != EventTwapUpdated {
		t.Fatalf("expected one twap event, got %v", kinds)
	}
	if f.sink.events[0].Asset != btc {
		t.Errorf("event asset = %s, want %s", f.sink.events[0].Asset, btc)
	}

	f.sink.events = nil
	if _, _, err := f.ch.UpdateTwap(id, &two, 1800, false); !errors.Is(err, vamm.ErrAssetTwapTimestampIsMoreRecent) {
		t.Errorf("strict stale update: expected ErrAssetTwapTimestampIsMoreRecent, got %v", err)
	}
	_, ok, err = f.ch.UpdateTwap(id, &two, 1800, true)
	if err != nil || ok {
		t.Errorf("best-effort stale update: ok=%v err=%v", ok, err)
	}
	if len(f.sink.events) != 0 {
		t.Errorf("stale updates must not publish, got %v", f.sink.kinds())
	}

	if _, _, err := f.ch.UpdateTwap(99, nil, 1800, true); !errors.Is(err, vamm.ErrVammDoesNotExist) {
		t.Errorf("unknown market: expected ErrVammDoesNotExist, got %v", err)
	}
}
