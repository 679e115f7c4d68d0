package amm

import (
	"math/big"
)

// ValidateFeeCurve checks end <= start <= 10000.
func ValidateFeeCurve(startBps, endBps uint64, target *big.Int) error {
	if startBps > bpsDenominator || endBps > startBps {
		return ErrInvalidFeeCurve
	}
	if target != nil && target.Sign() < 0 {
		return ErrInvalidFeeCurve
	}
	return nil
}

// FeeAt interpolates the trade fee linearly from startBps at zero burned to
// endBps at target burned, clamped at both ends. A zero target means the
// curve has already finished. The discount is rounded down, so the fee never
// falls below the exact curve.
func FeeAt(startBps, endBps uint64, target, burned *big.Int) uint64 {
	if endBps >= startBps {
		return startBps
	}
	if target == nil || target.Sign() <= 0 {
		return endBps
	}
	if burned == nil || burned.Sign() <= 0 {
		return startBps
	}
	if burned.Cmp(target) >= 0 {
		return endBps
	}
	discount := new(big.Int).SetUint64(startBps - endBps)
	discount.Mul(discount, burned)
	discount.Quo(discount, target)
	return startBps - discount.Uint64()
}

// burned returns initial - current, floored at zero.
func burned(initial, current *big.Int) *big.Int {
	out := new(big.Int).Sub(initial, current)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}
