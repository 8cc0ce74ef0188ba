package exchange

import (
	"fmt"
	"strconv"

	"cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/clearinghouse"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/twap"
	"github.com/atmx/perp-engine/internal/vamm"
)

// ledgerNamespace scopes the name-based ledger entry ids, so replaying the
// same event sequence yields the same ids on every host.
var ledgerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/atmx/perp-engine/ledger"))

func ledgerID(seq uint64) string {
	return uuid.NewSHA1(ledgerNamespace, []byte(strconv.FormatUint(seq, 10))).String()
}

// marketMeta is what the service knows about a market beyond the clearing
// house record.
type marketMeta struct {
	Symbol    string
	CreatedAt vamm.Moment
}

func marketRecord(m clearinghouse.Market, meta marketMeta, s vamm.State) model.Market {
	rec := model.Market{
		ID:                         uint64(m.ID),
		Symbol:                     meta.Symbol,
		Asset:                      string(m.Asset),
		BaseAssetReserves:          fixed.BalanceDecimal(s.BaseAssetReserves),
		QuoteAssetReserves:         fixed.BalanceDecimal(s.QuoteAssetReserves),
		TerminalBaseAssetReserves:  fixed.BalanceDecimal(s.TerminalBaseAssetReserves),
		TerminalQuoteAssetReserves: fixed.BalanceDecimal(s.TerminalQuoteAssetReserves),
		PegMultiplier:              fixed.BalanceDecimal(s.PegMultiplier),
		Invariant:                  decimal.NewFromBigInt(s.Invariant.ToBig(), 0),
		TwapValue:                  s.BaseAssetTwap.Value.Decimal(),
		TwapTimestamp:              uint64(s.BaseAssetTwap.Timestamp),
		TwapPeriod:                 uint64(s.BaseAssetTwap.Period),
		CreatedAt:                  uint64(meta.CreatedAt),
	}
	if s.Closed != nil {
		c := uint64(*s.Closed)
		rec.ClosedAt = &c
	}
	return rec
}

// vammState decodes a persisted market. The invariant is taken as stored.
func vammState(rec model.Market) (vamm.State, error) {
	var (
		s   vamm.State
		err error
	)
	if s.BaseAssetReserves, err = fixed.BalanceFromDecimal(rec.BaseAssetReserves); err != nil {
		return vamm.State{}, fmt.Errorf("base_asset_reserves: %w", err)
	}
	if s.QuoteAssetReserves, err = fixed.BalanceFromDecimal(rec.QuoteAssetReserves); err != nil {
		return vamm.State{}, fmt.Errorf("quote_asset_reserves: %w", err)
	}
	if s.TerminalBaseAssetReserves, err = fixed.BalanceFromDecimal(rec.TerminalBaseAssetReserves); err != nil {
		return vamm.State{}, fmt.Errorf("terminal_base_asset_reserves: %w", err)
	}
	if s.TerminalQuoteAssetReserves, err = fixed.BalanceFromDecimal(rec.TerminalQuoteAssetReserves); err != nil {
		return vamm.State{}, fmt.Errorf("terminal_quote_asset_reserves: %w", err)
	}
	if s.PegMultiplier, err = fixed.BalanceFromDecimal(rec.PegMultiplier); err != nil {
		return vamm.State{}, fmt.Errorf("peg_multiplier: %w", err)
	}
	if rec.Invariant.IsNegative() || !rec.Invariant.IsInteger() {
		return vamm.State{}, fmt.Errorf("invariant: %w", fixed.ErrNotInteger)
	}
	k, overflow := uint256.FromBig(rec.Invariant.BigInt())
	if overflow {
		return vamm.State{}, fmt.Errorf("invariant: %w", fixed.ErrOverflow)
	}
	s.Invariant = *k

	value, err := fixed.FixedFromDecimal(rec.TwapValue)
	if err != nil {
		return vamm.State{}, fmt.Errorf("twap_value: %w", err)
	}
	s.BaseAssetTwap = twap.New(value, vamm.Moment(rec.TwapTimestamp), vamm.Moment(rec.TwapPeriod))
	if rec.ClosedAt != nil {
		c := vamm.Moment(*rec.ClosedAt)
		s.Closed = &c
	}
	return s, nil
}

func positionRecord(p clearinghouse.Position) model.Position {
	return model.Position{
		Account:    string(p.Account),
		MarketID:   uint64(p.Market),
		Direction:  p.Direction.String(),
		Size:       fixed.BalanceDecimal(p.Size),
		Notional:   fixed.BalanceDecimal(p.Notional),
		EntryPrice: p.EntryPrice.Decimal(),
	}
}

func positionFromRecord(rec model.Position) (clearinghouse.Position, error) {
	dir, err := clearinghouse.ParseDirection(rec.Direction)
	if err != nil {
		return clearinghouse.Position{}, err
	}
	p := clearinghouse.Position{
		Account:   assets.Account(rec.Account),
		Market:    vamm.ID(rec.MarketID),
		Direction: dir,
	}
	if p.Size, err = fixed.BalanceFromDecimal(rec.Size); err != nil {
		return clearinghouse.Position{}, fmt.Errorf("size: %w", err)
	}
	if p.Notional, err = fixed.BalanceFromDecimal(rec.Notional); err != nil {
		return clearinghouse.Position{}, fmt.Errorf("notional: %w", err)
	}
	if p.EntryPrice, err = fixed.FixedFromDecimal(rec.EntryPrice); err != nil {
		return clearinghouse.Position{}, fmt.Errorf("entry_price: %w", err)
	}
	return p, nil
}

func balanceRecord(account assets.Account, asset assets.Asset, amount fixed.Balance) model.Balance {
	return model.Balance{Account: string(account), Asset: string(asset), Amount: fixed.BalanceDecimal(amount)}
}

func pnlDecimal(v math.Int) decimal.Decimal {
	if v.IsNil() {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.BigInt(), 0)
}

// marketScoped reports whether events of kind carry a market id.
func marketScoped(kind clearinghouse.EventKind) bool {
	switch kind {
	case clearinghouse.EventCollateralDeposited, clearinghouse.EventCollateralWithdrawn:
		return false
	default:
		return true
	}
}

func ledgerEntry(seq uint64, e clearinghouse.Event) model.LedgerEntry {
	entry := model.LedgerEntry{
		ID:       ledgerID(seq),
		Sequence: seq,
		Kind:     string(e.Kind),
		Account:  string(e.Account),
		Asset:    string(e.Asset),
		Amount:   fixed.BalanceDecimal(e.Amount),
		Size:     fixed.BalanceDecimal(e.Size),
		Price:    e.Price.Decimal(),
		PnL:      pnlDecimal(e.PnL),
		Moment:   uint64(e.Moment),
	}
	if marketScoped(e.Kind) {
		id := uint64(e.Market)
		entry.MarketID = &id
	}
	switch e.Kind {
	case clearinghouse.EventPositionOpened, clearinghouse.EventPositionClosed, clearinghouse.EventPositionSettled:
		entry.Direction = e.Direction.String()
	}
	return entry
}

// amount converts a request amount into a raw balance.
func amount(field string, d decimal.Decimal) (fixed.Balance, error) {
	b, err := fixed.BalanceFromDecimal(d)
	if err != nil {
		return fixed.Balance{}, fmt.Errorf("%w: %s must be a non-negative integer: %v", errInvalidRequest, field, err)
	}
	return b, nil
}

// optionalAmount converts an optional request limit.
func optionalAmount(field string, d *decimal.Decimal) (*fixed.Balance, error) {
	if d == nil {
		return nil, nil
	}
	b, err := amount(field, *d)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func price(field string, d decimal.Decimal) (fixed.FixedU128, error) {
	p, err := fixed.FixedFromDecimal(d)
	if err != nil {
		return fixed.FixedU128{}, fmt.Errorf("%w: %s must be a non-negative decimal: %v", errInvalidRequest, field, err)
	}
	return p, nil
}
