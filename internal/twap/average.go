package twap

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/fixed"
)

// WeightedAverage computes
//
//	(prev*fromStart + next*sinceLast) / (fromStart + sinceLast)
//
// in fixed-point. The native 128-bit evaluation is tried first; if any step
// overflows, the identical sequence of operations is repeated on 256-bit
// intermediates and the result narrowed back. Both paths floor at the same
// steps, so the result never depends on which one ran.
func WeightedAverage(prev, next fixed.FixedU128, fromStart, sinceLast uint64) (fixed.FixedU128, error) {
	v, err := weightedAverageNative(prev, next, fromStart, sinceLast)
	if errors.Is(err, fixed.ErrOverflow) {
		return weightedAverageWide(prev, next, fromStart, sinceLast)
	}
	return v, err
}

func weightedAverageNative(prev, next fixed.FixedU128, fromStart, sinceLast uint64) (fixed.FixedU128, error) {
	wPrev := fixed.FromInteger(fromStart)
	wNext := fixed.FromInteger(sinceLast)

	a, err := prev.Mul(wPrev)
	if err != nil {
		return fixed.FixedU128{}, err
	}
	b, err := next.Mul(wNext)
	if err != nil {
		return fixed.FixedU128{}, err
	}
	num, err := a.Add(b)
	if err != nil {
		return fixed.FixedU128{}, err
	}
	den, err := wPrev.Add(wNext)
	if err != nil {
		return fixed.FixedU128{}, err
	}
	return num.Div(den)
}

func weightedAverageWide(prev, next fixed.FixedU128, fromStart, sinceLast uint64) (fixed.FixedU128, error) {
	u := fixed.Wide(fixed.Unit())
	wPrev := new(uint256.Int).Mul(uint256.NewInt(fromStart), u)
	wNext := new(uint256.Int).Mul(uint256.NewInt(sinceLast), u)

	a, overflow := new(uint256.Int).MulOverflow(prev.Wide(), wPrev)
	if overflow {
		return fixed.FixedU128{}, fixed.ErrOverflow
	}
	a.Div(a, u)

	b, overflow := new(uint256.Int).MulOverflow(next.Wide(), wNext)
	if overflow {
		return fixed.FixedU128{}, fixed.ErrOverflow
	}
	b.Div(b, u)

	num, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return fixed.FixedU128{}, fixed.ErrOverflow
	}
	den, overflow := new(uint256.Int).AddOverflow(wPrev, wNext)
	if overflow {
		return fixed.FixedU128{}, fixed.ErrOverflow
	}
	if den.IsZero() {
		return fixed.FixedU128{}, fixed.ErrDivisionByZero
	}

	if _, overflow := num.MulOverflow(num, u); overflow {
		return fixed.FixedU128{}, fixed.ErrOverflow
	}
	num.Div(num, den)
	return fixed.FromWide(num)
}
