// Package fixed provides the deterministic numeric types used by the pricing
// and settlement core.
//
// Raw amounts (reserves, collateral, position sizes) are Balances: unsigned
// integers in the native 128-bit width. Prices are FixedU128 values: a Balance
// scaled by a fractional unit of 10^18. Every operation is checked; nothing is
// silently truncated or wrapped. Where an intermediate needs more room than
// the native width, the caller lifts operands into a 256-bit wide integer with
// Wide and narrows the result back with Narrow.
//
// Never float64 anywhere in this package.
package fixed

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"lukechampine.com/uint128"
)

var (
	// ErrArithmetic is the umbrella condition for every checked-math failure.
	ErrArithmetic = errors.New("arithmetic error")

	// ErrOverflow is returned when a result does not fit the target width.
	ErrOverflow = fmt.Errorf("%w: overflow", ErrArithmetic)

	// ErrUnderflow is returned when an unsigned subtraction would go negative.
	ErrUnderflow = fmt.Errorf("%w: underflow", ErrArithmetic)

	// ErrDivisionByZero is returned for any zero divisor.
	ErrDivisionByZero = fmt.Errorf("%w: division by zero", ErrArithmetic)

	// ErrNotInteger is returned when a decimal with a fractional part is
	// converted into a raw Balance.
	ErrNotInteger = errors.New("fixed: value is not an integer")
)

// Balance is a raw unsigned amount in the native 128-bit width.
type Balance = uint128.Uint128

// ZeroBalance is the zero amount.
var ZeroBalance = uint128.Zero

// NewBalance returns v as a Balance.
func NewBalance(v uint64) Balance {
	return uint128.From64(v)
}

// ParseBalance parses a base-10 integer string.
func ParseBalance(s string) (Balance, error) {
	b, err := uint128.FromString(s)
	if err != nil {
		return Balance{}, fmt.Errorf("fixed: parse balance %q: %w", s, err)
	}
	return b, nil
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b Balance) (Balance, error) {
	lo, carry := bits.Add64(a.Lo, b.Lo, 0)
	hi, carry := bits.Add64(a.Hi, b.Hi, carry)
	if carry != 0 {
		return Balance{}, ErrOverflow
	}
	return uint128.New(lo, hi), nil
}

// CheckedSub returns a-b or ErrUnderflow.
func CheckedSub(a, b Balance) (Balance, error) {
	lo, borrow := bits.Sub64(a.Lo, b.Lo, 0)
	hi, borrow := bits.Sub64(a.Hi, b.Hi, borrow)
	if borrow != 0 {
		return Balance{}, ErrUnderflow
	}
	return uint128.New(lo, hi), nil
}

// CheckedMul returns a*b or ErrOverflow.
func CheckedMul(a, b Balance) (Balance, error) {
	if a.Hi != 0 && b.Hi != 0 {
		return Balance{}, ErrOverflow
	}
	hi, lo := bits.Mul64(a.Lo, b.Lo)
	h1, l1 := bits.Mul64(a.Hi, b.Lo)
	h2, l2 := bits.Mul64(a.Lo, b.Hi)
	if h1 != 0 || h2 != 0 {
		return Balance{}, ErrOverflow
	}
	hi, carry := bits.Add64(hi, l1, 0)
	if carry != 0 {
		return Balance{}, ErrOverflow
	}
	hi, carry = bits.Add64(hi, l2, 0)
	if carry != 0 {
		return Balance{}, ErrOverflow
	}
	return uint128.New(lo, hi), nil
}

// CheckedDiv returns floor(a/b) or ErrDivisionByZero.
func CheckedDiv(a, b Balance) (Balance, error) {
	if b.IsZero() {
		return Balance{}, ErrDivisionByZero
	}
	return a.Div(b), nil
}

// Wide lifts a Balance into the 256-bit wide representation.
func Wide(b Balance) *uint256.Int {
	return &uint256.Int{b.Lo, b.Hi, 0, 0}
}

// Narrow converts a wide value back to the native width. It fails with
// ErrOverflow if the value needs more than 128 bits.
func Narrow(w *uint256.Int) (Balance, error) {
	if w[2] != 0 || w[3] != 0 {
		return Balance{}, ErrOverflow
	}
	return uint128.New(w[0], w[1]), nil
}

// BalanceDecimal renders a Balance as an integer decimal.
func BalanceDecimal(b Balance) decimal.Decimal {
	return decimal.NewFromBigInt(b.Big(), 0)
}

// BalanceFromDecimal converts a non-negative integer decimal into a Balance.
func BalanceFromDecimal(d decimal.Decimal) (Balance, error) {
	if d.IsNegative() {
		return Balance{}, ErrUnderflow
	}
	if !d.IsInteger() {
		return Balance{}, ErrNotInteger
	}
	bi := d.BigInt()
	if bi.BitLen() > 128 {
		return Balance{}, ErrOverflow
	}
	return uint128.FromBig(bi), nil
}
