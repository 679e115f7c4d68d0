package market

import "errors"

var (
	errNilState = errors.New("market: state not configured")

	ErrInvalidOptions  = errors.New("market: invalid options")
	ErrInvalidPoolID   = errors.New("market: invalid pool id")
	ErrPoolExists      = errors.New("market: pool already exists")
	ErrUnknownPool     = errors.New("market: unknown pool")
	ErrLendingExists   = errors.New("market: lending market already open")
	ErrLendingDisabled = errors.New("market: pool has no lending market")
)
