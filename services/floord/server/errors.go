package server

import (
	"errors"
	"net/http"

	"floorlend/native/amm"
	"floorlend/native/bank"
	nativecommon "floorlend/native/common"
	"floorlend/native/floor"
	"floorlend/native/harvest"
	"floorlend/native/lending"
	"floorlend/native/market"
)

// errorClass groups engine errors by how a client should react to them.
type errorClass struct {
	status int
	reason string
}

var (
	classPaused        = errorClass{http.StatusServiceUnavailable, "paused"}
	classNotFound      = errorClass{http.StatusNotFound, "not_found"}
	classUnauthorized  = errorClass{http.StatusUnauthorized, "unauthenticated"}
	classAuthorization = errorClass{http.StatusForbidden, "authorization"}
	classConflict      = errorClass{http.StatusConflict, "conflict"}
	classLimit         = errorClass{http.StatusUnprocessableEntity, "limit"}
	classPrecondition  = errorClass{http.StatusBadRequest, "precondition"}
	classInternal      = errorClass{http.StatusInternalServerError, "internal"}
)

var errorClasses = []struct {
	class errorClass
	errs  []error
}{
	{classPaused, []error{nativecommon.ErrModulePaused}},
	{classNotFound, []error{
		market.ErrUnknownPool,
		lending.ErrNoPosition,
		bank.ErrUnknownToken,
		amm.ErrNotInitialized,
	}},
	{classUnauthorized, []error{errUnauthenticated}},
	{classAuthorization, []error{
		errForbidden,
		amm.ErrUnauthorized,
		lending.ErrUnauthorizedBorrower,
	}},
	{classConflict, []error{
		nativecommon.ErrReentrant,
		amm.ErrInvariantViolation,
		amm.ErrAlreadyInitialized,
		market.ErrPoolExists,
		market.ErrLendingExists,
		market.ErrLendingDisabled,
		harvest.ErrPrincipalSet,
		harvest.ErrPrincipalNotSet,
		lending.ErrAlreadyMarked,
		lending.ErrNotMarked,
		lending.ErrPositionHealthy,
		lending.ErrGracePeriodActive,
		lending.ErrOutstandingDebt,
		lending.ErrMarketInsolvent,
	}},
	{classLimit, []error{
		lending.ErrBorrowLimitExceeded,
		lending.ErrInsufficientLiquidity,
		lending.ErrInsufficientShares,
		lending.ErrInsufficientCollateral,
		lending.ErrNoDebt,
		amm.ErrInsufficientOutput,
		amm.ErrInsufficientInput,
		amm.ErrInsufficientLiquidity,
		amm.ErrInsufficientBalance,
		amm.ErrInsufficientAllowance,
		bank.ErrInsufficientBalance,
		bank.ErrMintSealed,
	}},
	{classPrecondition, []error{
		errBadRequest,
		amm.ErrInvalidAmount,
		amm.ErrInvalidFeeCurve,
		amm.ErrUnknownAsset,
		amm.ErrInvalidRecipient,
		bank.ErrInvalidAmount,
		bank.ErrAmountOutOfRange,
		bank.ErrZeroAddress,
		lending.ErrInvalidAmount,
		lending.ErrAssetMismatch,
		lending.ErrInvalidParams,
		market.ErrInvalidOptions,
		market.ErrInvalidPoolID,
		harvest.ErrInvalidTreasury,
		floor.ErrZeroTokenReserve,
		floor.ErrInvalidFee,
		floor.ErrNegativeInput,
	}},
}

func classify(err error) errorClass {
	for _, group := range errorClasses {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.class
			}
		}
	}
	return classInternal
}
