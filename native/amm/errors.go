package amm

import (
	"errors"

	nativecommon "floorlend/native/common"
)

var (
	errNilState = errors.New("amm: state not configured")
	errNilBank  = errors.New("amm: token ledger not configured")

	ErrAlreadyInitialized    = errors.New("amm: pool already initialised")
	ErrNotInitialized        = errors.New("amm: pool not initialised")
	ErrInvalidFeeCurve       = errors.New("amm: invalid fee curve")
	ErrInvalidAmount         = errors.New("amm: amount must be positive")
	ErrUnknownAsset          = errors.New("amm: asset not part of pool")
	ErrInsufficientInput     = errors.New("amm: insufficient input amount")
	ErrInsufficientOutput    = errors.New("amm: insufficient output amount")
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")
	ErrInsufficientBalance   = errors.New("amm: insufficient liquidity token balance")
	ErrInsufficientAllowance = errors.New("amm: insufficient liquidity token allowance")
	ErrInvalidRecipient      = errors.New("amm: invalid recipient")
	ErrInvariantViolation    = errors.New("amm: constant product invariant violated")
	ErrUnauthorized          = errors.New("amm: unauthorized liquidity token holder")

	// ErrReentrant is returned when a pool entry point is called while
	// another one on the same pool is still running.
	ErrReentrant = nativecommon.ErrReentrant
)
