package lending

import "errors"

var (
	ErrMarketDoesNotExist            = errors.New("lending: market does not exist")
	ErrExceedLendingCount            = errors.New("lending: market count ceiling reached")
	ErrInvalidCollateralFactor       = errors.New("lending: collateral factor must lie strictly between 0 and 1")
	ErrInvalidWarningThreshold       = errors.New("lending: warning threshold must lie strictly between the collateral factor and 1")
	ErrInvalidInterestRateModel      = errors.New("lending: invalid interest rate model")
	ErrInitialMarketVolumeIncorrect  = errors.New("lending: initial market stake below the minimum")
	ErrSameAssetMarket               = errors.New("lending: collateral and borrow asset must differ")
	ErrAssetNotSupportedByOracle     = errors.New("lending: asset not supported by the oracle")
	ErrTooManyLiquidators            = errors.New("lending: too many liquidation strategies")
	ErrUnknownLiquidator             = errors.New("lending: liquidation strategy is not registered")
	ErrUnauthorized                  = errors.New("lending: caller is not the market manager")
	ErrZeroAmount                    = errors.New("lending: amount must be positive")
	ErrNotEnoughCollateralToWithdraw = errors.New("lending: not enough collateral to withdraw")
	ErrWouldGoUnderCollateralized    = errors.New("lending: withdrawal would leave the account under-collateralised")
	ErrNotEnoughCollateralToBorrow   = errors.New("lending: not enough collateral to borrow")
	ErrPriceTooOld                   = errors.New("lending: oracle price too old")
	ErrNotEnoughBorrowAsset          = errors.New("lending: not enough borrow asset available in the market")
	ErrBorrowDoesNotExist            = errors.New("lending: borrow does not exist")
	ErrCannotRepayMoreThanTotalDebt  = errors.New("lending: cannot repay more than the total debt")
	ErrCannotRepayZeroBalance        = errors.New("lending: cannot repay a zero balance")
	ErrLiquidationBatchTooLarge      = errors.New("lending: liquidation batch too large")
	ErrCannotCalculateBorrowRate     = errors.New("lending: cannot calculate borrow rate")
	ErrBorrowLimitCalculationFailed  = errors.New("lending: borrow limit calculation failed")
	ErrNonMonotonicBlockTime         = errors.New("lending: block timestamp moved backwards")
	ErrBlockHeightNotIncreasing      = errors.New("lending: block height must increase")

	// ErrCannotIncreaseCollateralFactorOfOpenMarket rejects tightening the
	// collateral factor of a market that has outstanding debt.
	ErrCannotIncreaseCollateralFactorOfOpenMarket = errors.New("lending: cannot tighten the collateral factor of a market with open borrows")
	// ErrCannotBorrowFromMarketWithUnbalancedVault is returned when the
	// backing vault has no computable share price.
	ErrCannotBorrowFromMarketWithUnbalancedVault = errors.New("lending: cannot borrow from a market with an unbalanced vault")
	// ErrBorrowAndRepayInSameBlockIsNotSupported is the flash loan guard.
	ErrBorrowAndRepayInSameBlockIsNotSupported = errors.New("lending: borrow and repay in the same block is not supported")
)
