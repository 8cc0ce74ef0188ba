package exchange

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/clearinghouse"
	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/vamm"
)

var (
	errInvalidRequest   = errors.New("invalid request")
	errSymbolExists     = errors.New("exchange: market symbol already exists")
	errContractExpired  = errors.New("exchange: dated contract already expired")
	errFaucetDisabled   = errors.New("exchange: faucet is disabled")
	errArchiveDisabled  = errors.New("exchange: snapshot archive is not configured")
	errMarketIDNotValid = errors.New("exchange: market id must be an unsigned integer")
	// errTimeWentBackwards rejects a transition at a now earlier than the
	// latest one accepted.
	errTimeWentBackwards = errors.New("exchange: now is before the reference time")
)

// statusClasses maps error conditions to HTTP statuses, checked in order.
var statusClasses = []struct {
	status int
	errs   []error
}{
	{http.StatusNotFound, []error{
		vamm.ErrVammDoesNotExist,
		clearinghouse.ErrMarketDoesNotExist,
		clearinghouse.ErrPositionDoesNotExist,
		store.ErrNotFound,
	}},
	{http.StatusConflict, []error{
		vamm.ErrVammIsClosed,
		vamm.ErrVammIsClosing,
		vamm.ErrVammIsOpen,
		vamm.ErrInsufficientFundsForTrade,
		vamm.ErrTradeExtrapolatesMaximumSupportedAmount,
		vamm.ErrSwappedAmountLessThanMinimumLimit,
		vamm.ErrSwappedAmountMoreThanMaximumLimit,
		vamm.ErrBaseAssetReservesWouldBeCompletelyDrained,
		vamm.ErrQuoteAssetReservesWouldBeCompletelyDrained,
		clearinghouse.ErrOppositePositionExists,
		clearinghouse.ErrInsufficientCollateral,
		clearinghouse.ErrInsufficientMarginForWithdrawal,
		clearinghouse.ErrInsuranceFundExhausted,
		correlation.ErrPerMarketLimitExceeded,
		correlation.ErrCorrelatedLimitExceeded,
		assets.ErrInsufficientBalance,
		errSymbolExists,
	}},
	{http.StatusUnprocessableEntity, []error{
		fixed.ErrArithmetic,
	}},
	{http.StatusForbidden, []error{
		errFaucetDisabled,
	}},
	{http.StatusServiceUnavailable, []error{
		errArchiveDisabled,
	}},
	{http.StatusBadRequest, []error{
		errInvalidRequest,
		errContractExpired,
		errMarketIDNotValid,
		errTimeWentBackwards,
		vamm.ErrBaseAssetReserveIsZero,
		vamm.ErrQuoteAssetReserveIsZero,
		vamm.ErrPegMultiplierIsZero,
		vamm.ErrTwapPeriodIsZero,
		vamm.ErrInvalidSwapAsset,
		vamm.ErrInvalidSwapDirection,
		vamm.ErrQuoteAmountNotPegAligned,
		vamm.ErrNewTwapValueIsZero,
		vamm.ErrClosingDateIsInThePast,
		vamm.ErrAssetTwapTimestampIsMoreRecent,
		clearinghouse.ErrNoCollateralDeposited,
		clearinghouse.ErrNoCollateralWithdrawn,
		clearinghouse.ErrUnsupportedCollateral,
		clearinghouse.ErrNoPriceFeedForAsset,
		clearinghouse.ErrZeroTradeAmount,
		clearinghouse.ErrPositionTooSmall,
		clearinghouse.ErrInvalidDirection,
		contract.ErrInvalidTicker,
		contract.ErrSameAsset,
		contract.ErrZeroDepth,
		contract.ErrPriceTooLow,
		assets.ErrUnknownAsset,
		oracle.ErrUnsupportedAsset,
		fixed.ErrNotInteger,
	}},
}

// statusFor returns the HTTP status for err, 500 when it is unclassified.
func statusFor(err error) int {
	for _, class := range statusClasses {
		for _, target := range class.errs {
			if errors.Is(err, target) {
				return class.status
			}
		}
	}
	return http.StatusInternalServerError
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeErr writes err with its classified status.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
