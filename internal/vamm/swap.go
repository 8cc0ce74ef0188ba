package vamm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/fixed"
)

// Asset selects the reserve a swap's input amount is denominated in.
type Asset int

const (
	Base Asset = iota
	Quote
)

func (a Asset) String() string {
	switch a {
	case Base:
		return "base"
	case Quote:
		return "quote"
	default:
		return "unknown"
	}
}

// Direction says whether the trader puts the input asset into the pool (Add)
// or takes it out (Remove).
type Direction int

const (
	Add Direction = iota
	Remove
)

func (d Direction) String() string {
	switch d {
	case Add:
		return "add"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// SwapConfig describes a single swap against one market.
//
// Quote amounts are in quote units as seen by the trader: the reserve moves
// by InputAmount / PegMultiplier, so a quote InputAmount must be a multiple
// of the peg. OutputAmountLimit is a minimum for Add and a maximum for Remove.
type SwapConfig struct {
	VammID            ID
	Asset             Asset
	InputAmount       fixed.Balance
	Direction         Direction
	OutputAmountLimit *fixed.Balance
}

// SwapOutput is the amount of the other asset exchanged. Negative is set when
// the trader pays it rather than receives it.
type SwapOutput struct {
	Output   fixed.Balance
	Negative bool
}

// SwapResult is a SwapOutput together with the reserves the pool would hold
// once the swap is committed.
type SwapResult struct {
	SwapOutput
	NewBaseAssetReserves  fixed.Balance
	NewQuoteAssetReserves fixed.Balance
}

// Simulate evaluates cfg against s at now. It never mutates s.
func Simulate(s *State, cfg SwapConfig, now Moment) (SwapResult, error) {
	if err := sanityCheckBeforeSwap(s, cfg, now); err != nil {
		return SwapResult{}, err
	}

	var (
		res SwapResult
		err error
	)
	switch cfg.Asset {
	case Base:
		res, err = swapBase(s, cfg)
	case Quote:
		res, err = swapQuote(s, cfg)
	}
	if err != nil {
		return SwapResult{}, err
	}

	if err := sanityCheckAfterSwap(cfg, res); err != nil {
		return SwapResult{}, err
	}
	return res, nil
}

func sanityCheckBeforeSwap(s *State, cfg SwapConfig, now Moment) error {
	if cfg.Asset != Base && cfg.Asset != Quote {
		return ErrInvalidSwapAsset
	}
	if cfg.Direction != Add && cfg.Direction != Remove {
		return ErrInvalidSwapDirection
	}
	if s.Status(now) == Closed {
		return ErrVammIsClosed
	}

	reserve, delta := s.BaseAssetReserves, cfg.InputAmount
	if cfg.Asset == Quote {
		reserve = s.QuoteAssetReserves
		if !cfg.InputAmount.Mod(s.PegMultiplier).IsZero() {
			return fmt.Errorf("%w: %s at peg %s", ErrQuoteAmountNotPegAligned, cfg.InputAmount, s.PegMultiplier)
		}
		delta = quoteToReserve(cfg.InputAmount, s.PegMultiplier)
	}

	switch cfg.Direction {
	case Remove:
		if delta.Cmp(reserve) >= 0 {
			return ErrInsufficientFundsForTrade
		}
	case Add:
		if _, err := fixed.CheckedAdd(reserve, delta); err != nil {
			return ErrTradeExtrapolatesMaximumSupportedAmount
		}
	}
	return nil
}

func sanityCheckAfterSwap(cfg SwapConfig, res SwapResult) error {
	if cfg.OutputAmountLimit != nil {
		limit := *cfg.OutputAmountLimit
		switch cfg.Direction {
		case Add:
			if res.Output.Cmp(limit) < 0 {
				return ErrSwappedAmountLessThanMinimumLimit
			}
		case Remove:
			if res.Output.Cmp(limit) > 0 {
				return ErrSwappedAmountMoreThanMaximumLimit
			}
		}
	}
	if res.NewBaseAssetReserves.IsZero() {
		return ErrBaseAssetReservesWouldBeCompletelyDrained
	}
	if res.NewQuoteAssetReserves.IsZero() {
		return ErrQuoteAssetReservesWouldBeCompletelyDrained
	}
	return nil
}

func swapBase(s *State, cfg SwapConfig) (SwapResult, error) {
	newBase, err := moveReserve(s.BaseAssetReserves, cfg.InputAmount, cfg.Direction)
	if err != nil {
		return SwapResult{}, err
	}
	newQuote, err := counterReserve(&s.Invariant, newBase, s.PegMultiplier)
	if err != nil {
		return SwapResult{}, err
	}

	res := SwapResult{NewBaseAssetReserves: newBase, NewQuoteAssetReserves: newQuote}
	var delta fixed.Balance
	if cfg.Direction == Add {
		delta, err = fixed.CheckedSub(s.QuoteAssetReserves, newQuote)
	} else {
		delta, err = fixed.CheckedSub(newQuote, s.QuoteAssetReserves)
		res.Negative = true
	}
	if err != nil {
		return SwapResult{}, err
	}
	if res.Output, err = reserveToQuote(delta, s.PegMultiplier); err != nil {
		return SwapResult{}, err
	}
	return res, nil
}

func swapQuote(s *State, cfg SwapConfig) (SwapResult, error) {
	dq := quoteToReserve(cfg.InputAmount, s.PegMultiplier)
	newQuote, err := moveReserve(s.QuoteAssetReserves, dq, cfg.Direction)
	if err != nil {
		return SwapResult{}, err
	}
	newBase, err := counterReserve(&s.Invariant, newQuote, s.PegMultiplier)
	if err != nil {
		return SwapResult{}, err
	}

	res := SwapResult{NewBaseAssetReserves: newBase, NewQuoteAssetReserves: newQuote}
	if cfg.Direction == Add {
		res.Output, err = fixed.CheckedSub(s.BaseAssetReserves, newBase)
	} else {
		res.Output, err = fixed.CheckedSub(newBase, s.BaseAssetReserves)
		res.Negative = true
	}
	if err != nil {
		return SwapResult{}, err
	}
	return res, nil
}

func moveReserve(reserve, delta fixed.Balance, dir Direction) (fixed.Balance, error) {
	if dir == Add {
		return fixed.CheckedAdd(reserve, delta)
	}
	return fixed.CheckedSub(reserve, delta)
}

// counterReserve solves invariant = moved * other * peg for other, rounded
// up. The pool keeps the remainder in both directions: an Add releases at
// most the exact output and a Remove charges at least the exact input.
func counterReserve(invariant *uint256.Int, moved, peg fixed.Balance) (fixed.Balance, error) {
	den := new(uint256.Int).Mul(fixed.Wide(moved), fixed.Wide(peg))
	if den.IsZero() {
		return fixed.Balance{}, fixed.ErrDivisionByZero
	}
	q, r := new(uint256.Int).DivMod(invariant, den, new(uint256.Int))
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return fixed.Narrow(q)
}

func quoteToReserve(amount, peg fixed.Balance) fixed.Balance {
	return amount.Div(peg)
}

func reserveToQuote(delta, peg fixed.Balance) (fixed.Balance, error) {
	return fixed.Narrow(new(uint256.Int).Mul(fixed.Wide(delta), fixed.Wide(peg)))
}
