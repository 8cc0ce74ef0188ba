package vamm

import (
	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/twap"
)

// Moment is a caller-supplied point in time, in seconds.
type Moment = twap.Moment

// ID identifies a market. Ids are handed out sequentially from zero.
type ID uint64

// Status is the lifecycle classification of a market at a reference time.
type Status int

const (
	// Open markets have no closing time.
	Open Status = iota
	// Closing markets have a closing time still in the future. Still tradable.
	Closing
	// Closed markets have reached their closing time.
	Closed
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config is the market creation input. Every field must be positive.
type Config struct {
	BaseAssetReserves  fixed.Balance
	QuoteAssetReserves fixed.Balance
	PegMultiplier      fixed.Balance
	TwapPeriod         Moment
}

// State is the per-market record.
//
// Invariant = BaseAssetReserves * QuoteAssetReserves * PegMultiplier, kept in
// the wide width. It is recomputed whenever reserves are committed and never
// by a simulation. Terminal reserves are the reserves at zero net open
// interest and are not touched by swaps.
type State struct {
	BaseAssetReserves          fixed.Balance
	QuoteAssetReserves         fixed.Balance
	TerminalBaseAssetReserves  fixed.Balance
	TerminalQuoteAssetReserves fixed.Balance
	PegMultiplier              fixed.Balance
	Invariant                  uint256.Int
	Closed                     *Moment
	BaseAssetTwap              twap.Twap
}

// Status classifies the market against the reference time now.
func (s *State) Status(now Moment) Status {
	switch {
	case s.Closed == nil:
		return Open
	case *s.Closed > now:
		return Closing
	default:
		return Closed
	}
}

// Clone returns a deep copy.
func (s *State) Clone() State {
	c := *s
	if s.Closed != nil {
		t := *s.Closed
		c.Closed = &t
	}
	return c
}

// BasePrice returns the instantaneous base asset price, quote per base unit:
// QuoteAssetReserves * PegMultiplier / BaseAssetReserves.
func (s *State) BasePrice() (fixed.FixedU128, error) {
	return reservePrice(s.BaseAssetReserves, s.QuoteAssetReserves, s.PegMultiplier)
}

// TerminalPrice is BasePrice evaluated on the terminal reserves.
func (s *State) TerminalPrice() (fixed.FixedU128, error) {
	return reservePrice(s.TerminalBaseAssetReserves, s.TerminalQuoteAssetReserves, s.PegMultiplier)
}

func reservePrice(base, quote, peg fixed.Balance) (fixed.FixedU128, error) {
	if base.IsZero() {
		return fixed.FixedU128{}, fixed.ErrDivisionByZero
	}
	w, overflow := new(uint256.Int).MulOverflow(fixed.Wide(quote), fixed.Wide(peg))
	if overflow {
		return fixed.FixedU128{}, fixed.ErrOverflow
	}
	if _, overflow := w.MulOverflow(w, fixed.Wide(fixed.Unit())); overflow {
		return fixed.FixedU128{}, fixed.ErrOverflow
	}
	w.Div(w, fixed.Wide(base))
	return fixed.FromWide(w)
}

// ComputeInvariant returns base * quote * peg in the wide width.
func ComputeInvariant(base, quote, peg fixed.Balance) (*uint256.Int, error) {
	k := new(uint256.Int).Mul(fixed.Wide(base), fixed.Wide(quote))
	if _, overflow := k.MulOverflow(k, fixed.Wide(peg)); overflow {
		return nil, fixed.ErrOverflow
	}
	return k, nil
}
