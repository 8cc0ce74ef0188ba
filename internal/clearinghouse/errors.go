package clearinghouse

import "errors"

var (
	ErrNoCollateralDeposited  = errors.New("clearinghouse: no collateral deposited")
	ErrNoCollateralWithdrawn  = errors.New("clearinghouse: no collateral withdrawn")
	ErrUnsupportedCollateral  = errors.New("clearinghouse: unsupported collateral type")
	ErrNoPriceFeedForAsset    = errors.New("clearinghouse: no price feed for asset")
	ErrZeroTradeAmount        = errors.New("clearinghouse: trade amount must be positive")
	ErrPositionTooSmall       = errors.New("clearinghouse: trade too small to move base reserves")
	ErrInvalidDirection       = errors.New("clearinghouse: direction must be long or short")
	ErrInvalidConfig          = errors.New("clearinghouse: invalid config")
	ErrMarketDoesNotExist     = errors.New("clearinghouse: market does not exist")
	ErrPositionDoesNotExist   = errors.New("clearinghouse: position does not exist")
	ErrOppositePositionExists = errors.New("clearinghouse: opposite position must be closed first")

	ErrInsufficientCollateral          = errors.New("clearinghouse: insufficient collateral")
	ErrInsufficientMarginForWithdrawal = errors.New("clearinghouse: withdrawal would breach initial margin")
	ErrInsuranceFundExhausted          = errors.New("clearinghouse: insurance fund cannot pay realized gain")
)
