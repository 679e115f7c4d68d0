package lending

import "math/big"

// secondsPerYear annualises rates against the sequencer clock.
const secondsPerYear = 31_536_000

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay     = new(big.Int).Rsh(ray, 1)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return new(big.Int).Set(ray)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	num := scaled.Num()
	den := scaled.Denom()
	result := new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
	if result.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	return result
}

// rateFactor is 1 + rate*delta/year in ray.
func rateFactor(rate *big.Rat, delta uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || delta == 0 {
		return new(big.Int).Set(ray)
	}
	perPeriod := new(big.Rat).Set(rate)
	perPeriod.Quo(perPeriod, new(big.Rat).SetUint64(secondsPerYear))
	perPeriod.Mul(perPeriod, new(big.Rat).SetUint64(delta))
	factor := new(big.Rat).Add(big.NewRat(1, 1), perPeriod)
	return ratToRay(factor)
}

// growDebt scales debt synced at index from up to index to, rounding up so
// accrued interest is never understated.
func growDebt(debt, from, to *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 || from == nil || from.Sign() == 0 || to == nil {
		return cloneInt(debt)
	}
	if to.Cmp(from) <= 0 {
		return cloneInt(debt)
	}
	grown := new(big.Int).Mul(debt, to)
	grown.Add(grown, new(big.Int).Sub(from, big.NewInt(1)))
	grown.Quo(grown, from)
	return grown
}

// halfUp is the offset added before dividing by x to round half up.
func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Rsh(x, 1)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func bps(amount *big.Int, points uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(points))
	return out.Quo(out, basisPoints)
}
