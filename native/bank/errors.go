package bank

import "errors"

var (
	ErrUnknownToken        = errors.New("bank: unknown token")
	ErrInvalidAmount       = errors.New("bank: amount must not be negative")
	ErrAmountOutOfRange    = errors.New("bank: amount exceeds 256 bits")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrMintSealed          = errors.New("bank: minting sealed")
	ErrZeroAddress         = errors.New("bank: zero address")
)
