package fixed

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"lukechampine.com/uint128"
)

// FracDigits is the number of decimal places carried by FixedU128.
const FracDigits = 18

var unit = uint128.From64(1_000_000_000_000_000_000)

// Unit returns the fractional unit (10^18) as a raw Balance.
func Unit() Balance {
	return unit
}

// FixedU128 is an unsigned fixed-point number: inner / 10^18.
type FixedU128 struct {
	inner Balance
}

// One is the fixed-point value 1.0.
var One = FixedU128{inner: unit}

// FromInner wraps an already-scaled raw value.
func FromInner(inner Balance) FixedU128 {
	return FixedU128{inner: inner}
}

// FromInteger returns n as a fixed-point value. It cannot overflow:
// (2^64-1) * 10^18 < 2^128.
func FromInteger(n uint64) FixedU128 {
	return FixedU128{inner: uint128.From64(n).Mul64(1_000_000_000_000_000_000)}
}

// FromRational returns n/d, floored to the fractional unit. The scaling
// product is taken in the wide width so only the final quotient must fit.
func FromRational(n, d Balance) (FixedU128, error) {
	if d.IsZero() {
		return FixedU128{}, ErrDivisionByZero
	}
	w := new(uint256.Int).Mul(Wide(n), Wide(unit))
	w.Div(w, Wide(d))
	inner, err := Narrow(w)
	if err != nil {
		return FixedU128{}, err
	}
	return FixedU128{inner: inner}, nil
}

// FromWide narrows an already-scaled wide value.
func FromWide(w *uint256.Int) (FixedU128, error) {
	inner, err := Narrow(w)
	if err != nil {
		return FixedU128{}, err
	}
	return FixedU128{inner: inner}, nil
}

// Inner returns the raw scaled value.
func (f FixedU128) Inner() Balance { return f.inner }

// Wide returns the raw scaled value in the wide width.
func (f FixedU128) Wide() *uint256.Int { return Wide(f.inner) }

func (f FixedU128) IsZero() bool { return f.inner.IsZero() }

func (f FixedU128) Cmp(g FixedU128) int { return f.inner.Cmp(g.inner) }

func (f FixedU128) Equal(g FixedU128) bool { return f.inner.Equals(g.inner) }

// Add returns f+g in the native width.
func (f FixedU128) Add(g FixedU128) (FixedU128, error) {
	inner, err := CheckedAdd(f.inner, g.inner)
	return FixedU128{inner: inner}, err
}

// Sub returns f-g or ErrUnderflow.
func (f FixedU128) Sub(g FixedU128) (FixedU128, error) {
	inner, err := CheckedSub(f.inner, g.inner)
	return FixedU128{inner: inner}, err
}

// Mul returns f*g, floored. The raw product must fit the native width.
func (f FixedU128) Mul(g FixedU128) (FixedU128, error) {
	p, err := CheckedMul(f.inner, g.inner)
	if err != nil {
		return FixedU128{}, err
	}
	return FixedU128{inner: p.Div(unit)}, nil
}

// Div returns f/g, floored. The scaled dividend must fit the native width.
func (f FixedU128) Div(g FixedU128) (FixedU128, error) {
	if g.inner.IsZero() {
		return FixedU128{}, ErrDivisionByZero
	}
	p, err := CheckedMul(f.inner, unit)
	if err != nil {
		return FixedU128{}, err
	}
	return FixedU128{inner: p.Div(g.inner)}, nil
}

// MulBalance returns floor(f * b) as a raw Balance.
func (f FixedU128) MulBalance(b Balance) (Balance, error) {
	w := new(uint256.Int).Mul(f.Wide(), Wide(b))
	w.Div(w, Wide(unit))
	return Narrow(w)
}

// Decimal renders f with FracDigits decimal places.
func (f FixedU128) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(f.inner.Big(), -FracDigits)
}

func (f FixedU128) String() string {
	return f.Decimal().String()
}

// FixedFromDecimal converts a non-negative decimal, truncating anything past
// FracDigits places.
func FixedFromDecimal(d decimal.Decimal) (FixedU128, error) {
	inner, err := BalanceFromDecimal(d.Shift(FracDigits).Truncate(0))
	if err != nil {
		return FixedU128{}, err
	}
	return FixedU128{inner: inner}, nil
}
