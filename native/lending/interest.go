package lending

import (
	"errors"
	"math/big"
)

var errInvalidInterestModel = errors.New("lending engine: invalid interest model")

// InterestModel is a kinked utilisation curve. Below Kink the borrow APR
// rises by Slope1 per unit of utilisation; above it by Slope2.
type InterestModel struct {
	BaseRate *big.Rat
	Slope1   *big.Rat
	Slope2   *big.Rat
	Kink     *big.Rat
}

// Clone returns a deep copy of the interest model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{
		BaseRate: cloneRat(m.BaseRate),
		Slope1:   cloneRat(m.Slope1),
		Slope2:   cloneRat(m.Slope2),
		Kink:     cloneRat(m.Kink),
	}
}

// NewInterestModel constructs an interest model from floating point inputs.
//
// The parameters should be provided as decimals, e.g. a 2% base rate is
// expressed as 0.02 and an 80% kink utilisation is 0.8.
func NewInterestModel(baseRate, slope1, slope2, kink float64) *InterestModel {
	model := &InterestModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	model.BaseRate.SetFloat64(baseRate)
	model.Slope1.SetFloat64(slope1)
	model.Slope2.SetFloat64(slope2)
	model.Kink.SetFloat64(kink)
	return model
}

// Validate rejects negative rates and a kink outside [0, 1].
func (m *InterestModel) Validate() error {
	if m == nil {
		return errInvalidInterestModel
	}
	for _, r := range []*big.Rat{m.BaseRate, m.Slope1, m.Slope2, m.Kink} {
		if r != nil && r.Sign() < 0 {
			return errInvalidInterestModel
		}
	}
	if m.Kink != nil && m.Kink.Cmp(big.NewRat(1, 1)) > 0 {
		return errInvalidInterestModel
	}
	return nil
}

// Utilisation computes U = borrowed / assets. An empty pool has zero
// utilisation.
func (m *InterestModel) Utilisation(borrowed, assets *big.Int) *big.Rat {
	if borrowed == nil || borrowed.Sign() == 0 || assets == nil || assets.Sign() == 0 {
		return new(big.Rat)
	}
	u := new(big.Rat).SetFrac(borrowed, assets)
	if u.Cmp(big.NewRat(1, 1)) > 0 {
		u.SetInt64(1)
	}
	return u
}

// BorrowAPR derives the borrow APR for the given utilisation inputs.
func (m *InterestModel) BorrowAPR(borrowed, assets *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	utilisation := m.Utilisation(borrowed, assets)
	if utilisation.Sign() == 0 {
		return rate
	}
	kink := cloneRat(m.Kink)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), utilisation))
	}
	rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), kink))
	excess := new(big.Rat).Sub(utilisation, kink)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), excess))
}

// SupplyAPY is BorrowAPR * U * (1 - reserveFactor).
func (m *InterestModel) SupplyAPY(borrowed, assets *big.Int, reserveFactorBps uint64) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	utilisation := m.Utilisation(borrowed, assets)
	if utilisation.Sign() == 0 {
		return new(big.Rat)
	}
	if reserveFactorBps > 10_000 {
		reserveFactorBps = 10_000
	}
	keep := new(big.Rat).SetFrac64(int64(10_000-reserveFactorBps), 10_000)
	apy := m.BorrowAPR(borrowed, assets)
	apy.Mul(apy, utilisation)
	return apy.Mul(apy, keep)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultInterestModel provides a reasonable starting configuration featuring a
// kinked interest rate curve with a modest base rate.
var DefaultInterestModel = NewInterestModel(0.02, 0.15, 0.6, 0.8)
