package clearinghouse

import (
	"cosmossdk.io/math"
	"lukechampine.com/uint128"

	"github.com/atmx/perp-engine/internal/fixed"
)

// signed returns magnitude as a profit when gain is set and as a loss
// otherwise.
func signed(magnitude fixed.Balance, gain bool) math.Int {
	v := math.NewIntFromBigInt(magnitude.Big())
	if gain {
		return v
	}
	return v.Neg()
}

// diff returns a - b as a signed integer.
func diff(a, b fixed.Balance) math.Int {
	return math.NewIntFromBigInt(a.Big()).Sub(math.NewIntFromBigInt(b.Big()))
}

// settlementPnL computes (settle - entry) * size, signed by direction. The
// magnitude is floored before the sign is applied so offsetting positions
// realize exactly opposite amounts.
func settlementPnL(dir Direction, entry, settle fixed.FixedU128, size fixed.Balance) (math.Int, error) {
	hi, lo := settle, entry
	rising := settle.Cmp(entry) >= 0
	if !rising {
		hi, lo = entry, settle
	}
	delta, err := hi.Sub(lo)
	if err != nil {
		return math.ZeroInt(), err
	}
	magnitude, err := delta.MulBalance(size)
	if err != nil {
		return math.ZeroInt(), err
	}
	return signed(magnitude, rising == (dir == Long)), nil
}

// applyPnL adds pnl to collateral. A loss larger than the collateral empties
// it and reports the uncovered remainder as shortfall.
func applyPnL(collateral fixed.Balance, pnl math.Int) (next, shortfall fixed.Balance, err error) {
	total := math.NewIntFromBigInt(collateral.Big()).Add(pnl)
	if total.IsNegative() {
		shortfall, err = toBalance(total.Neg())
		return fixed.ZeroBalance, shortfall, err
	}
	next, err = toBalance(total)
	return next, fixed.ZeroBalance, err
}

func toBalance(v math.Int) (fixed.Balance, error) {
	if v.IsNegative() {
		return fixed.Balance{}, fixed.ErrUnderflow
	}
	bi := v.BigInt()
	if bi.BitLen() > 128 {
		return fixed.Balance{}, fixed.ErrOverflow
	}
	return uint128.FromBig(bi), nil
}
