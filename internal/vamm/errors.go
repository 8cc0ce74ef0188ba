package vamm

import "errors"

// Input validation.
var (
	ErrBaseAssetReserveIsZero   = errors.New("vamm: base asset reserve must be positive")
	ErrQuoteAssetReserveIsZero  = errors.New("vamm: quote asset reserve must be positive")
	ErrPegMultiplierIsZero      = errors.New("vamm: peg multiplier must be positive")
	ErrTwapPeriodIsZero         = errors.New("vamm: twap period must be positive")
	ErrInvalidSwapAsset         = errors.New("vamm: swap asset must be base or quote")
	ErrInvalidSwapDirection     = errors.New("vamm: swap direction must be add or remove")
	ErrQuoteAmountNotPegAligned = errors.New("vamm: quote amount is not a multiple of the peg multiplier")
	ErrNewTwapValueIsZero       = errors.New("vamm: new twap value is zero")
)

// Market lifecycle.
var (
	ErrVammDoesNotExist       = errors.New("vamm: market does not exist")
	ErrVammIsClosed           = errors.New("vamm: market is closed")
	ErrVammIsClosing          = errors.New("vamm: market is already closing")
	ErrVammIsOpen             = errors.New("vamm: market is open")
	ErrClosingDateIsInThePast = errors.New("vamm: closing date is in the past")
)

// Trade consistency.
var (
	ErrInsufficientFundsForTrade                  = errors.New("vamm: insufficient reserves for trade")
	ErrTradeExtrapolatesMaximumSupportedAmount    = errors.New("vamm: trade extrapolates maximum supported amount")
	ErrSwappedAmountLessThanMinimumLimit          = errors.New("vamm: swapped amount less than minimum limit")
	ErrSwappedAmountMoreThanMaximumLimit          = errors.New("vamm: swapped amount more than maximum limit")
	ErrBaseAssetReservesWouldBeCompletelyDrained  = errors.New("vamm: base asset reserves would be completely drained")
	ErrQuoteAssetReservesWouldBeCompletelyDrained = errors.New("vamm: quote asset reserves would be completely drained")
)

// Twap bookkeeping.
var (
	ErrAssetTwapTimestampIsMoreRecent      = errors.New("vamm: twap timestamp is more recent than update")
	ErrInternalUpdateTwapDidNotReturnValue = errors.New("vamm: twap update did not return a value")
)
