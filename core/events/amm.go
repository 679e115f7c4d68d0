package events

import (
	"math/big"

	"floorlend/crypto"
)

const (
	TypePoolSeeded      = "amm.pool_seeded"
	TypeSwap            = "amm.swap"
	TypeLiquidityMinted = "amm.liquidity_minted"
	TypeLiquidityBurned = "amm.liquidity_burned"
)

// PoolSeeded is emitted once per pool when genesis liquidity is provided.
type PoolSeeded struct {
	PoolID        string
	Token         string
	Quote         string
	TokenReserve  *big.Int
	QuoteReserve  *big.Int
	InitialSupply *big.Int
	Liquidity     *big.Int
}

func (PoolSeeded) EventType() string { return TypePoolSeeded }

func (e PoolSeeded) Event() *Record {
	return &Record{
		Type: TypePoolSeeded,
		Attributes: map[string]string{
			"poolId":        e.PoolID,
			"token":         normalizeAsset(e.Token),
			"quote":         normalizeAsset(e.Quote),
			"tokenReserve":  amountString(e.TokenReserve),
			"quoteReserve":  amountString(e.QuoteReserve),
			"initialSupply": amountString(e.InitialSupply),
			"liquidity":     amountString(e.Liquidity),
		},
	}
}

// Swap reports a settled trade. Side 0 is the collateral token and side 1 the
// quote asset.
type Swap struct {
	PoolID    string
	Recipient crypto.Address
	AmountIn0 *big.Int
	AmountIn1 *big.Int
	Out0      *big.Int
	Out1      *big.Int
	FeeBps    uint64
	Reserve0  *big.Int
	Reserve1  *big.Int
}

func (Swap) EventType() string { return TypeSwap }

func (e Swap) Event() *Record {
	return &Record{
		Type: TypeSwap,
		Attributes: map[string]string{
			"poolId":    e.PoolID,
			"recipient": addressString(e.Recipient),
			"amountIn0": amountString(e.AmountIn0),
			"amountIn1": amountString(e.AmountIn1),
			"out0":      amountString(e.Out0),
			"out1":      amountString(e.Out1),
			"feeBps":    uintString(e.FeeBps),
			"reserve0":  amountString(e.Reserve0),
			"reserve1":  amountString(e.Reserve1),
		},
	}
}

type LiquidityMinted struct {
	PoolID string
	To     crypto.Address
	Amount *big.Int
}

func (LiquidityMinted) EventType() string { return TypeLiquidityMinted }

func (e LiquidityMinted) Event() *Record {
	return &Record{
		Type: TypeLiquidityMinted,
		Attributes: map[string]string{
			"poolId": e.PoolID,
			"to":     addressString(e.To),
			"amount": amountString(e.Amount),
		},
	}
}

type LiquidityBurned struct {
	PoolID    string
	Owner     crypto.Address
	Liquidity *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

func (LiquidityBurned) EventType() string { return TypeLiquidityBurned }

func (e LiquidityBurned) Event() *Record {
	return &Record{
		Type: TypeLiquidityBurned,
		Attributes: map[string]string{
			"poolId":    e.PoolID,
			"owner":     addressString(e.Owner),
			"liquidity": amountString(e.Liquidity),
			"amount0":   amountString(e.Amount0),
			"amount1":   amountString(e.Amount1),
		},
	}
}
