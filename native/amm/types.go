package amm

import (
	"math/big"

	"floorlend/crypto"
)

const (
	// MinimumLiquidity is locked to the burn sink at genesis.
	MinimumLiquidity = 1_000
	// DefaultMaxHarvestBps caps a single harvest mint at 10% of supply.
	DefaultMaxHarvestBps = 1_000

	bpsDenominator = 10_000
	moduleName     = "amm"
)

var (
	basisPoints = big.NewInt(bpsDenominator)
	// BurnSink holds the locked minimum liquidity. It is not in any pool's
	// allow-list, so its balance can never move.
	BurnSink = crypto.DeriveModuleAddress("amm/burn-sink")
)

// Pool is the persisted record of one token/quote pair. Side 0 is the
// collateral token and side 1 the quote asset.
type Pool struct {
	ID        string
	Token     string
	Quote     string
	Address   crypto.Address
	Harvester crypto.Address

	Reserve0 *big.Int
	Reserve1 *big.Int
	// Pending input credited by Deposit and consumed by the next Swap.
	Pending0 *big.Int
	Pending1 *big.Int

	InitialSupply     *big.Int
	StartFeeBps       uint64
	EndFeeBps         uint64
	DecayTargetBurned *big.Int

	LastInvariant   *big.Int
	LiquiditySupply *big.Int
	MaxHarvestBps   uint64

	// Authorized lists the only addresses that may hold or move liquidity
	// tokens: the pool itself and its harvester.
	Authorized  []crypto.Address
	Initialized bool
}

// SeedParams configures the one-time genesis of a pool.
type SeedParams struct {
	Token             string
	Quote             string
	Harvester         crypto.Address
	TokenAmount       *big.Int
	QuoteAmount       *big.Int
	StartFeeBps       uint64
	EndFeeBps         uint64
	DecayTargetBurned *big.Int
	// MaxHarvestBps defaults to DefaultMaxHarvestBps when zero.
	MaxHarvestBps uint64
}

// Reserves is a point-in-time copy of a pool's accounted balances.
type Reserves struct {
	Token *big.Int
	Quote *big.Int
}

// Invariant returns Token*Quote.
func (r Reserves) Invariant() *big.Int {
	return new(big.Int).Mul(r.Token, r.Quote)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (p *Pool) ensureDefaults() {
	if p.Reserve0 == nil {
		p.Reserve0 = big.NewInt(0)
	}
	if p.Reserve1 == nil {
		p.Reserve1 = big.NewInt(0)
	}
	if p.Pending0 == nil {
		p.Pending0 = big.NewInt(0)
	}
	if p.Pending1 == nil {
		p.Pending1 = big.NewInt(0)
	}
	if p.InitialSupply == nil {
		p.InitialSupply = big.NewInt(0)
	}
	if p.DecayTargetBurned == nil {
		p.DecayTargetBurned = big.NewInt(0)
	}
	if p.LastInvariant == nil {
		p.LastInvariant = big.NewInt(0)
	}
	if p.LiquiditySupply == nil {
		p.LiquiditySupply = big.NewInt(0)
	}
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	out := *p
	out.Reserve0 = cloneInt(p.Reserve0)
	out.Reserve1 = cloneInt(p.Reserve1)
	out.Pending0 = cloneInt(p.Pending0)
	out.Pending1 = cloneInt(p.Pending1)
	out.InitialSupply = cloneInt(p.InitialSupply)
	out.DecayTargetBurned = cloneInt(p.DecayTargetBurned)
	out.LastInvariant = cloneInt(p.LastInvariant)
	out.LiquiditySupply = cloneInt(p.LiquiditySupply)
	out.Authorized = append([]crypto.Address(nil), p.Authorized...)
	return &out
}

// IsAuthorized reports whether addr may hold liquidity tokens.
func (p *Pool) IsAuthorized(addr crypto.Address) bool {
	for _, allowed := range p.Authorized {
		if allowed == addr {
			return true
		}
	}
	return false
}

// Reserves returns a copy of the accounted balances.
func (p *Pool) Reserves() Reserves {
	return Reserves{Token: cloneInt(p.Reserve0), Quote: cloneInt(p.Reserve1)}
}
