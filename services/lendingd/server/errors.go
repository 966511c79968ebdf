package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"vaultlend/native/bank"
	nativecommon "vaultlend/native/common"
	"vaultlend/native/lending"
	"vaultlend/native/liquidation"
	"vaultlend/native/oracle"
	"vaultlend/native/vault"
	"vaultlend/services/lendingd/node"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// toStatus maps module errors onto HTTP status codes. Errors not listed are
// internal.
func toStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrMarketDoesNotExist),
		errors.Is(err, lending.ErrBorrowDoesNotExist),
		errors.Is(err, liquidation.ErrOrderNotFound),
		errors.Is(err, liquidation.ErrStrategyNotFound),
		errors.Is(err, vault.ErrVaultNotFound),
		errors.Is(err, bank.ErrUnknownAsset),
		errors.Is(err, oracle.ErrPriceNotFound),
		errors.Is(err, node.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, lending.ErrUnauthorized),
		errors.Is(err, liquidation.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, lending.ErrZeroAmount),
		errors.Is(err, lending.ErrInvalidCollateralFactor),
		errors.Is(err, lending.ErrInvalidWarningThreshold),
		errors.Is(err, lending.ErrInvalidInterestRateModel),
		errors.Is(err, lending.ErrInitialMarketVolumeIncorrect),
		errors.Is(err, lending.ErrSameAssetMarket),
		errors.Is(err, lending.ErrAssetNotSupportedByOracle),
		errors.Is(err, lending.ErrTooManyLiquidators),
		errors.Is(err, lending.ErrUnknownLiquidator),
		errors.Is(err, lending.ErrLiquidationBatchTooLarge),
		errors.Is(err, lending.ErrCannotRepayMoreThanTotalDebt),
		errors.Is(err, lending.ErrCannotRepayZeroBalance),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrDepositTooSmall),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrStaleUpdate),
		errors.Is(err, oracle.ErrInvalidWeights),
		errors.Is(err, oracle.ErrHistoryTooShort),
		errors.Is(err, liquidation.ErrInvalidSettlement):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrExceedLendingCount),
		errors.Is(err, lending.ErrNotEnoughCollateralToWithdraw),
		errors.Is(err, lending.ErrWouldGoUnderCollateralized),
		errors.Is(err, lending.ErrNotEnoughCollateralToBorrow),
		errors.Is(err, lending.ErrPriceTooOld),
		errors.Is(err, lending.ErrNotEnoughBorrowAsset),
		errors.Is(err, lending.ErrCannotIncreaseCollateralFactorOfOpenMarket),
		errors.Is(err, lending.ErrCannotBorrowFromMarketWithUnbalancedVault),
		errors.Is(err, lending.ErrBorrowAndRepayInSameBlockIsNotSupported),
		errors.Is(err, liquidation.ErrOrderSettled),
		errors.Is(err, vault.ErrInsufficientShares),
		errors.Is(err, vault.ErrSharesLocked),
		errors.Is(err, vault.ErrInsufficientLiquidity),
		errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, bank.ErrKeepAlive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeModuleError(w http.ResponseWriter, err error) {
	status := toStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}
