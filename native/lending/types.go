package lending

import (
	"math/big"

	"floorlend/crypto"
)

// Market captures the accounting state of the shared liquidity pool. Amounts
// are base units of the quote asset.
type Market struct {
	Asset string
	// Cash is the idle balance the pool accounts for. Transfers to the pool
	// address outside Deposit and Repay are not counted.
	Cash *big.Int
	// TotalBorrows is outstanding debt including accrued interest.
	TotalBorrows *big.Int
	// Reserves is the protocol's cut of interest. It is part of Cash but
	// does not belong to depositors.
	Reserves    *big.Int
	TotalShares *big.Int
	// BorrowIndex is the cumulative ray-scaled debt growth factor.
	BorrowIndex *big.Int
	LastAccrual uint64
	// BadDebt is the cumulative shortfall written off against depositors.
	BadDebt *big.Int
	// Borrowers lists the collateral ledgers allowed to draw funds.
	Borrowers []crypto.Address
}

// Position is one account's collateral and debt in a collateral ledger.
//
// Health is recomputed from live reserves on every read, but the grace period
// runs from MarkedAt, the time MarkOTM was called, not from LastHealthy. A
// position that drifts unhealthy unnoticed therefore gets the full grace
// period from its mark, and any healthy observation clears the mark.
type Position struct {
	Account    crypto.Address
	Collateral *big.Int
	Principal  *big.Int
	// Interest accrued and not yet repaid.
	Interest *big.Int
	// BorrowIndex is the pool index Principal+Interest was last synced at.
	BorrowIndex *big.Int
	// LastHealthy is the latest time the position was observed healthy.
	LastHealthy uint64
	// MarkedAt starts the grace period. Zero when unmarked. A healthy
	// observation clears it.
	MarkedAt uint64
	// BorrowFloor is the pMin used by the most recent borrow.
	BorrowFloor *big.Int
}

// PositionView is the read-only status of a position at the current time.
type PositionView struct {
	Account     crypto.Address
	Collateral  *big.Int
	Principal   *big.Int
	Interest    *big.Int
	Debt        *big.Int
	Healthy     bool
	LastHealthy uint64
	MarkedAt    uint64
	// RecoverableAt is MarkedAt plus the grace period, zero when unmarked.
	RecoverableAt uint64
	Recoverable   bool
	BorrowFloor   *big.Int
	// BorrowCapacity is collateral*pMin less principal, floored at zero.
	BorrowCapacity *big.Int
}

// Params configures a collateral ledger.
type Params struct {
	// GracePeriod is the number of seconds a marked position must stay
	// unhealthy before it can be recovered.
	GracePeriod       uint64
	RecoveryBountyBps uint64
}

const (
	DefaultGracePeriod       = 72 * 60 * 60
	DefaultRecoveryBountyBps = 50
)

// DefaultParams returns the standard ledger configuration.
func DefaultParams() Params {
	return Params{GracePeriod: DefaultGracePeriod, RecoveryBountyBps: DefaultRecoveryBountyBps}
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (m *Market) ensureDefaults() {
	for _, field := range []**big.Int{&m.Cash, &m.TotalBorrows, &m.Reserves, &m.TotalShares, &m.BadDebt} {
		if *field == nil {
			*field = big.NewInt(0)
		}
	}
	if m.BorrowIndex == nil || m.BorrowIndex.Sign() == 0 {
		m.BorrowIndex = new(big.Int).Set(ray)
	}
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	out := *m
	out.Cash = cloneInt(m.Cash)
	out.TotalBorrows = cloneInt(m.TotalBorrows)
	out.Reserves = cloneInt(m.Reserves)
	out.TotalShares = cloneInt(m.TotalShares)
	out.BorrowIndex = cloneInt(m.BorrowIndex)
	out.BadDebt = cloneInt(m.BadDebt)
	out.Borrowers = append([]crypto.Address(nil), m.Borrowers...)
	return &out
}

// TotalAssets is what depositors own: cash plus loans less reserves.
func (m *Market) TotalAssets() *big.Int {
	total := new(big.Int).Add(m.Cash, m.TotalBorrows)
	total.Sub(total, m.Reserves)
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
	return total
}

// Available is the cash depositors and borrowers can draw.
func (m *Market) Available() *big.Int {
	available := new(big.Int).Sub(m.Cash, m.Reserves)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return available
}

func (m *Market) isBorrower(addr crypto.Address) bool {
	for _, b := range m.Borrowers {
		if b == addr {
			return true
		}
	}
	return false
}

func (p *Position) ensureDefaults() {
	for _, field := range []**big.Int{&p.Collateral, &p.Principal, &p.Interest, &p.BorrowFloor} {
		if *field == nil {
			*field = big.NewInt(0)
		}
	}
	if p.BorrowIndex == nil || p.BorrowIndex.Sign() == 0 {
		p.BorrowIndex = new(big.Int).Set(ray)
	}
}

// Debt returns principal plus accrued interest.
func (p *Position) Debt() *big.Int {
	return new(big.Int).Add(p.Principal, p.Interest)
}
