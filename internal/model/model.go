// Package model defines the persisted and wire records of the perp engine.
// All monetary values use shopspring/decimal, never float64 for money.
//
// Raw amounts (reserves, collateral, sizes) are integer decimals. Prices and
// twap values carry 18 fractional digits.
package model

import (
	"github.com/shopspring/decimal"
)

// Market is the persisted state of one vAMM market.
type Market struct {
	ID                         uint64          `json:"id" db:"id"`
	Symbol                     string          `json:"symbol" db:"symbol"` // BASE-QUOTE-{PERP|YYYYMMDD}
	Asset                      string          `json:"asset" db:"asset"`   // oracle asset
	BaseAssetReserves          decimal.Decimal `json:"base_asset_reserves" db:"base_asset_reserves"`
	QuoteAssetReserves         decimal.Decimal `json:"quote_asset_reserves" db:"quote_asset_reserves"`
	TerminalBaseAssetReserves  decimal.Decimal `json:"terminal_base_asset_reserves" db:"terminal_base_asset_reserves"`
	TerminalQuoteAssetReserves decimal.Decimal `json:"terminal_quote_asset_reserves" db:"terminal_quote_asset_reserves"`
	PegMultiplier              decimal.Decimal `json:"peg_multiplier" db:"peg_multiplier"`
	Invariant                  decimal.Decimal `json:"invariant" db:"invariant"`
	ClosedAt                   *uint64         `json:"closed_at,omitempty" db:"closed_at"`
	TwapValue                  decimal.Decimal `json:"twap_value" db:"twap_value"`
	TwapTimestamp              uint64          `json:"twap_timestamp" db:"twap_timestamp"`
	TwapPeriod                 uint64          `json:"twap_period" db:"twap_period"`
	CreatedAt                  uint64          `json:"created_at" db:"created_at"`
}

// Balance is an amount of one asset held by one account. Used for both
// clearing house collateral and wallet balances.
type Balance struct {
	Account string          `json:"account" db:"account"`
	Asset   string          `json:"asset" db:"asset"`
	Amount  decimal.Decimal `json:"amount" db:"amount"`
}

// Position is an open position of one account in one market.
type Position struct {
	Account    string          `json:"account" db:"account"`
	MarketID   uint64          `json:"market_id" db:"market_id"`
	Direction  string          `json:"direction" db:"direction"` // "long" or "short"
	Size       decimal.Decimal `json:"size" db:"size"`           // base units
	Notional   decimal.Decimal `json:"notional" db:"notional"`   // quote committed at entry
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
}

// IndexPrice is the operator-set oracle price of an underlying asset.
type IndexPrice struct {
	Asset string          `json:"asset" db:"asset"`
	Price decimal.Decimal `json:"price" db:"price"`
}

// SystemState holds the engine-wide counters.
type SystemState struct {
	BadDebt decimal.Decimal `json:"bad_debt" db:"bad_debt"`
	// Sequence is the number of events committed so far.
	Sequence uint64 `json:"sequence" db:"sequence"`
	// ReferenceTime is the latest now accepted by a transition. Later
	// transitions may not run at an earlier now.
	ReferenceTime uint64 `json:"reference_time" db:"reference_time"`
}

// LedgerEntry is an immutable record of one committed event.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	Sequence  uint64          `json:"sequence" db:"sequence"`
	Kind      string          `json:"kind" db:"kind"`
	Account   string          `json:"account,omitempty" db:"account"`
	MarketID  *uint64         `json:"market_id,omitempty" db:"market_id"`
	Asset     string          `json:"asset,omitempty" db:"asset"`
	Direction string          `json:"direction,omitempty" db:"direction"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Size      decimal.Decimal `json:"size" db:"size"`
	Price     decimal.Decimal `json:"price" db:"price"`
	PnL       decimal.Decimal `json:"pnl" db:"pnl"` // signed, realized
	Moment    uint64          `json:"moment" db:"moment"`
}

// PositionView is a position marked against the current vAMM reserves.
type PositionView struct {
	Position
	Symbol string `json:"symbol"`
	// ExitValue is the quote a full close would exchange right now.
	ExitValue     decimal.Decimal `json:"exit_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio aggregates an account's collateral and positions with margin
// figures.
type Portfolio struct {
	Account        string          `json:"account"`
	Collateral     decimal.Decimal `json:"collateral"`
	Positions      []PositionView  `json:"positions"`
	TotalNotional  decimal.Decimal `json:"total_notional"`
	RequiredMargin decimal.Decimal `json:"required_margin"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	// MarginUtilization is RequiredMargin / Collateral in percent.
	MarginUtilization decimal.Decimal            `json:"margin_utilization"`
	NotionalByAsset   map[string]decimal.Decimal `json:"notional_by_asset"`
}
