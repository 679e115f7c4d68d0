package events

import (
	"math/big"

	"floorlend/crypto"
)

const (
	TypeLendingSupplied     = "lending.supplied"
	TypeLendingRedeemed     = "lending.redeemed"
	TypeLendingAccrued      = "lending.accrued"
	TypeLendingLossForgiven = "lending.loss_forgiven"
	TypeCollateralDeposited = "lending.collateral_deposited"
	TypeCollateralWithdrawn = "lending.collateral_withdrawn"
	TypeLoanBorrowed        = "lending.borrowed"
	TypeLoanRepaid          = "lending.repaid"
	TypePositionMarked      = "lending.position_marked"
	TypePositionRecovered   = "lending.position_recovered"
)

// LendingSupplied is emitted when liquidity is deposited for shares.
type LendingSupplied struct {
	Provider    crypto.Address
	Beneficiary crypto.Address
	Amount      *big.Int
	Shares      *big.Int
}

func (LendingSupplied) EventType() string { return TypeLendingSupplied }

func (e LendingSupplied) Event() *Record {
	return &Record{
		Type: TypeLendingSupplied,
		Attributes: map[string]string{
			"provider":    addressString(e.Provider),
			"beneficiary": addressString(e.Beneficiary),
			"amount":      amountString(e.Amount),
			"shares":      amountString(e.Shares),
		},
	}
}

type LendingRedeemed struct {
	Owner  crypto.Address
	Shares *big.Int
	Amount *big.Int
}

func (LendingRedeemed) EventType() string { return TypeLendingRedeemed }

func (e LendingRedeemed) Event() *Record {
	return &Record{
		Type: TypeLendingRedeemed,
		Attributes: map[string]string{
			"owner":  addressString(e.Owner),
			"shares": amountString(e.Shares),
			"amount": amountString(e.Amount),
		},
	}
}

type LendingAccrued struct {
	Interest    *big.Int
	Reserves    *big.Int
	BorrowIndex *big.Int
	Timestamp   uint64
}

func (LendingAccrued) EventType() string { return TypeLendingAccrued }

func (e LendingAccrued) Event() *Record {
	return &Record{
		Type: TypeLendingAccrued,
		Attributes: map[string]string{
			"interest":    amountString(e.Interest),
			"reserves":    amountString(e.Reserves),
			"borrowIndex": amountString(e.BorrowIndex),
			"timestamp":   uintString(e.Timestamp),
		},
	}
}

type LendingLossForgiven struct {
	Borrower crypto.Address
	Amount   *big.Int
}

func (LendingLossForgiven) EventType() string { return TypeLendingLossForgiven }

func (e LendingLossForgiven) Event() *Record {
	return &Record{
		Type: TypeLendingLossForgiven,
		Attributes: map[string]string{
			"borrower": addressString(e.Borrower),
			"amount":   amountString(e.Amount),
		},
	}
}

// CollateralMoved backs both deposit and withdrawal events.
type CollateralMoved struct {
	PoolID     string
	Account    crypto.Address
	Amount     *big.Int
	Collateral *big.Int
	Withdrawn  bool
}

func (e CollateralMoved) EventType() string {
	if e.Withdrawn {
		return TypeCollateralWithdrawn
	}
	return TypeCollateralDeposited
}

func (e CollateralMoved) Event() *Record {
	return &Record{
		Type: e.EventType(),
		Attributes: map[string]string{
			"poolId":     e.PoolID,
			"account":    addressString(e.Account),
			"amount":     amountString(e.Amount),
			"collateral": amountString(e.Collateral),
		},
	}
}

type LoanBorrowed struct {
	PoolID    string
	Account   crypto.Address
	Amount    *big.Int
	Principal *big.Int
	PMin      *big.Int
}

func (LoanBorrowed) EventType() string { return TypeLoanBorrowed }

func (e LoanBorrowed) Event() *Record {
	return &Record{
		Type: TypeLoanBorrowed,
		Attributes: map[string]string{
			"poolId":    e.PoolID,
			"account":   addressString(e.Account),
			"amount":    amountString(e.Amount),
			"principal": amountString(e.Principal),
			"pMin":      amountString(e.PMin),
		},
	}
}

type LoanRepaid struct {
	PoolID    string
	Account   crypto.Address
	Payer     crypto.Address
	Interest  *big.Int
	Principal *big.Int
	Remaining *big.Int
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Event() *Record {
	return &Record{
		Type: TypeLoanRepaid,
		Attributes: map[string]string{
			"poolId":    e.PoolID,
			"account":   addressString(e.Account),
			"payer":     addressString(e.Payer),
			"interest":  amountString(e.Interest),
			"principal": amountString(e.Principal),
			"remaining": amountString(e.Remaining),
		},
	}
}

type PositionMarked struct {
	PoolID      string
	Account     crypto.Address
	Marker      crypto.Address
	MarkedAt    uint64
	LastHealthy uint64
}

func (PositionMarked) EventType() string { return TypePositionMarked }

func (e PositionMarked) Event() *Record {
	return &Record{
		Type: TypePositionMarked,
		Attributes: map[string]string{
			"poolId":      e.PoolID,
			"account":     addressString(e.Account),
			"marker":      addressString(e.Marker),
			"markedAt":    uintString(e.MarkedAt),
			"lastHealthy": uintString(e.LastHealthy),
		},
	}
}

type PositionRecovered struct {
	PoolID     string
	Account    crypto.Address
	Caller     crypto.Address
	Collateral *big.Int
	Proceeds   *big.Int
	Bounty     *big.Int
	Repaid     *big.Int
	Shortfall  *big.Int
	Refund     *big.Int
}

func (PositionRecovered) EventType() string { return TypePositionRecovered }

func (e PositionRecovered) Event() *Record {
	return &Record{
		Type: TypePositionRecovered,
		Attributes: map[string]string{
			"poolId":     e.PoolID,
			"account":    addressString(e.Account),
			"caller":     addressString(e.Caller),
			"collateral": amountString(e.Collateral),
			"proceeds":   amountString(e.Proceeds),
			"bounty":     amountString(e.Bounty),
			"repaid":     amountString(e.Repaid),
			"shortfall":  amountString(e.Shortfall),
			"refund":     amountString(e.Refund),
		},
	}
}
