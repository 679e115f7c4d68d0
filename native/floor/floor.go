// Package floor derives the worst-case price of a pooled token from the pool's
// reserves, the token's total supply and the active trade fee.
//
// Prices are WAD fixed point: 1e18 means one quote unit per token unit. Every
// result is rounded down, so a computed floor never overstates the quote value
// that the pool could actually pay out.
package floor

import (
	"errors"
	"math/big"
)

const (
	// BpsDenominator is the basis point scale for fees and haircuts.
	BpsDenominator = 10_000
	// DefaultBountyBps is the haircut reserved for recovery callers.
	DefaultBountyBps = 50
)

var (
	// WAD is the fixed point scale of every price.
	WAD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	bpsDenominator = big.NewInt(BpsDenominator)
)

var (
	ErrZeroTokenReserve = errors.New("floor: token reserve is zero")
	ErrInvalidFee       = errors.New("floor: basis points exceed 10000")
	ErrNegativeInput    = errors.New("floor: negative input")
)

// Calculate returns pMin with the default recovery bounty.
func Calculate(tokenReserve, quoteReserve, totalSupply *big.Int, feeBps uint64) (*big.Int, error) {
	return CalculateWithBounty(tokenReserve, quoteReserve, totalSupply, feeBps, DefaultBountyBps)
}

// CalculateWithBounty returns the price per token that would still be paid
// if every token held outside the pool (totalSupply - tokenReserve) were sold
// into it at once at feeBps, less bountyBps.
//
// With X external tokens and e = 1 - fee, the dump pays
// Rq - Rt*Rq/(Rt + X*e) = Rq*X*e/(Rt + X*e) quote units. Dividing by X
// cancels it before rounding, so the result is evaluated as one floor
// division:
//
//	Rq*(10000-fee)*(10000-bounty)*WAD / ((Rt*10000 + X*(10000-fee)) * 10000)
//
// When no tokens are held outside the pool the floor is the spot price less
// the bounty.
func CalculateWithBounty(tokenReserve, quoteReserve, totalSupply *big.Int, feeBps, bountyBps uint64) (*big.Int, error) {
	if feeBps > BpsDenominator || bountyBps > BpsDenominator {
		return nil, ErrInvalidFee
	}
	if tokenReserve == nil || tokenReserve.Sign() == 0 {
		return nil, ErrZeroTokenReserve
	}
	if tokenReserve.Sign() < 0 || quoteReserve == nil || quoteReserve.Sign() < 0 || (totalSupply != nil && totalSupply.Sign() < 0) {
		return nil, ErrNegativeInput
	}

	keep := new(big.Int).SetUint64(BpsDenominator - bountyBps)
	external := big.NewInt(0)
	if totalSupply != nil && totalSupply.Cmp(tokenReserve) > 0 {
		external.Sub(totalSupply, tokenReserve)
	}

	numerator := new(big.Int).Mul(quoteReserve, keep)
	numerator.Mul(numerator, WAD)
	denominator := new(big.Int).Mul(tokenReserve, bpsDenominator)
	if external.Sign() == 0 {
		return numerator.Quo(numerator, denominator), nil
	}

	effective := new(big.Int).SetUint64(BpsDenominator - feeBps)
	numerator.Mul(numerator, effective)
	denominator.Add(denominator, new(big.Int).Mul(external, effective))
	denominator.Mul(denominator, bpsDenominator)
	return numerator.Quo(numerator, denominator), nil
}

// SpotPrice returns quoteReserve/tokenReserve in WAD, rounded down.
func SpotPrice(tokenReserve, quoteReserve *big.Int) (*big.Int, error) {
	if tokenReserve == nil || tokenReserve.Sign() == 0 {
		return nil, ErrZeroTokenReserve
	}
	if tokenReserve.Sign() < 0 || quoteReserve == nil || quoteReserve.Sign() < 0 {
		return nil, ErrNegativeInput
	}
	price := new(big.Int).Mul(quoteReserve, WAD)
	return price.Quo(price, tokenReserve), nil
}

// Value converts a token amount to quote units at a WAD price, rounded down.
func Value(amount, price *big.Int) *big.Int {
	if amount == nil || price == nil || amount.Sign() <= 0 || price.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, price)
	return out.Quo(out, WAD)
}
