package clearinghouse

import (
	"cosmossdk.io/math"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/vamm"
)

// Direction is the side of a position.
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// ParseDirection accepts "long" or "short".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "long":
		return Long, nil
	case "short":
		return Short, nil
	default:
		return 0, ErrInvalidDirection
	}
}

// Market binds a vAMM to the underlying asset it tracks. The market id is
// the vAMM id.
type Market struct {
	ID    vamm.ID
	Asset assets.Asset
}

// Position is an account's exposure in one market.
//
// Size is in base units. Notional is the quote amount committed at entry, so
// EntryPrice = Notional / Size.
type Position struct {
	Account    assets.Account
	Market     vamm.ID
	Direction  Direction
	Size       fixed.Balance
	Notional   fixed.Balance
	EntryPrice fixed.FixedU128
}

type positionKey struct {
	account assets.Account
	market  vamm.ID
}

func (p Position) key() positionKey {
	return positionKey{account: p.Account, market: p.Market}
}

// EventKind names a committed state change.
type EventKind string

const (
	EventMarketCreated       EventKind = "market_created"
	EventMarketClosing       EventKind = "market_closing"
	EventCollateralDeposited EventKind = "collateral_deposited"
	EventCollateralWithdrawn EventKind = "collateral_withdrawn"
	EventPositionOpened      EventKind = "position_opened"
	EventPositionClosed      EventKind = "position_closed"
	EventPositionSettled     EventKind = "position_settled"
	EventTwapUpdated         EventKind = "twap_updated"
)

// Event describes one committed state change. Fields that do not apply to a
// kind are left zero.
type Event struct {
	Kind      EventKind
	Account   assets.Account
	Market    vamm.ID
	Asset     assets.Asset
	Direction Direction
	// Amount is the collateral moved, or the quote notional for trades.
	Amount fixed.Balance
	Size   fixed.Balance
	Price  fixed.FixedU128
	// PnL is the realized profit (positive) or loss (negative).
	PnL    math.Int
	Moment vamm.Moment
}

// EventSink receives the events of each committed transition, in order.
type EventSink interface {
	Publish(Event)
}

// Transferer moves assets between accounts.
type Transferer interface {
	Transfer(from, to assets.Account, asset assets.Asset, amount fixed.Balance) error
}

// Oracle reports which underlying assets have a price feed.
type Oracle interface {
	IsSupported(asset assets.Asset) bool
	GetPrice(asset assets.Asset) (fixed.FixedU128, error)
}
