package amm

import (
	"math/big"

	"floorlend/core/events"
	"floorlend/crypto"
)

func (e *Engine) liquidityBalance(holder crypto.Address) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := e.state.KVGet(liquidityKey(e.poolID, holder), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

func (e *Engine) setLiquidityBalance(holder crypto.Address, amount *big.Int) error {
	return e.state.KVPut(liquidityKey(e.poolID, holder), cloneInt(amount))
}

func (e *Engine) allowance(owner, spender crypto.Address) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := e.state.KVGet(allowanceKey(e.poolID, owner, spender), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// LiquidityBalance returns the liquidity tokens held by holder.
func (e *Engine) LiquidityBalance(holder crypto.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.liquidityBalance(holder)
}

// LiquiditySupply returns the total liquidity tokens outstanding.
func (e *Engine) LiquiditySupply() (*big.Int, error) {
	pool, err := e.Pool()
	if err != nil {
		return nil, err
	}
	return pool.LiquiditySupply, nil
}

// LiquidityAllowance returns what spender may move on behalf of owner.
func (e *Engine) LiquidityAllowance(owner, spender crypto.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.allowance(owner, spender)
}

// IsAuthorized reports whether addr is allowed to hold liquidity tokens.
func (e *Engine) IsAuthorized(addr crypto.Address) (bool, error) {
	pool, err := e.Pool()
	if err != nil {
		return false, err
	}
	return pool.IsAuthorized(addr), nil
}

// harvestAmount sizes a harvest mint from the growth of sqrt(k) since the
// last checkpoint: L*(sqrt(k)-sqrt(kLast))/sqrt(kLast), capped at
// L*MaxHarvestBps/10000.
func harvestAmount(pool *Pool) *big.Int {
	rootK := new(big.Int).Sqrt(pool.Reserves().Invariant())
	rootLast := new(big.Int).Sqrt(pool.LastInvariant)
	if rootLast.Sign() == 0 || rootK.Cmp(rootLast) <= 0 {
		return big.NewInt(0)
	}
	minted := new(big.Int).Sub(rootK, rootLast)
	minted.Mul(minted, pool.LiquiditySupply)
	minted.Quo(minted, rootLast)

	limit := new(big.Int).Mul(pool.LiquiditySupply, new(big.Int).SetUint64(pool.MaxHarvestBps))
	limit.Quo(limit, basisPoints)
	if minted.Cmp(limit) > 0 {
		minted = limit
	}
	return minted
}

// Mint issues liquidity tokens for the invariant growth since the last
// checkpoint and moves the checkpoint to the current invariant. Only
// addresses on the pool's allow-list may receive them.
func (e *Engine) Mint(to crypto.Address) (*big.Int, error) {
	var minted *big.Int
	err := e.mutate("mint", func() error {
		pool, err := e.loadPool()
		if err != nil {
			return err
		}
		if !pool.IsAuthorized(to) {
			return ErrUnauthorized
		}
		minted = harvestAmount(pool)
		pool.LastInvariant = pool.Reserves().Invariant()
		if minted.Sign() > 0 {
			balance, err := e.liquidityBalance(to)
			if err != nil {
				return err
			}
			if err := e.setLiquidityBalance(to, balance.Add(balance, minted)); err != nil {
				return err
			}
			pool.LiquiditySupply.Add(pool.LiquiditySupply, minted)
		}
		if err := e.storePool(pool); err != nil {
			return err
		}
		if minted.Sign() > 0 {
			e.emitter.Emit(events.LiquidityMinted{PoolID: e.poolID, To: to, Amount: cloneInt(minted)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Burn redeems amount liquidity tokens held by owner for a proportional share
// of both reserves, paid to owner.
func (e *Engine) Burn(owner crypto.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	var amount0, amount1 *big.Int
	err := e.mutate("burn", func() error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		pool, err := e.loadPool()
		if err != nil {
			return err
		}
		if !pool.IsAuthorized(owner) {
			return ErrUnauthorized
		}
		if owner == e.address {
			return ErrInvalidRecipient
		}
		balance, err := e.liquidityBalance(owner)
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		amount0 = new(big.Int).Mul(pool.Reserve0, amount)
		amount0.Quo(amount0, pool.LiquiditySupply)
		amount1 = new(big.Int).Mul(pool.Reserve1, amount)
		amount1.Quo(amount1, pool.LiquiditySupply)
		if amount0.Sign() == 0 || amount1.Sign() == 0 {
			return ErrInsufficientLiquidity
		}
		if err := e.setLiquidityBalance(owner, balance.Sub(balance, amount)); err != nil {
			return err
		}
		if err := e.bank.Transfer(pool.Token, e.address, owner, amount0); err != nil {
			return err
		}
		if err := e.bank.Transfer(pool.Quote, e.address, owner, amount1); err != nil {
			return err
		}
		pool.LiquiditySupply.Sub(pool.LiquiditySupply, amount)
		pool.Reserve0.Sub(pool.Reserve0, amount0)
		pool.Reserve1.Sub(pool.Reserve1, amount1)
		pool.LastInvariant = pool.Reserves().Invariant()
		if err := e.storePool(pool); err != nil {
			return err
		}
		e.emitter.Emit(events.LiquidityBurned{
			PoolID:    e.poolID,
			Owner:     owner,
			Liquidity: cloneInt(amount),
			Amount0:   cloneInt(amount0),
			Amount1:   cloneInt(amount1),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}

// TransferLiquidity moves liquidity tokens between allow-listed holders.
func (e *Engine) TransferLiquidity(from, to crypto.Address, amount *big.Int) error {
	return e.mutate("transfer_liquidity", func() error {
		return e.transferLiquidity(from, to, amount)
	})
}

func (e *Engine) transferLiquidity(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	if !pool.IsAuthorized(from) || !pool.IsAuthorized(to) {
		return ErrUnauthorized
	}
	balance, err := e.liquidityBalance(from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if from == to || amount.Sign() == 0 {
		return nil
	}
	if err := e.setLiquidityBalance(from, balance.Sub(balance, amount)); err != nil {
		return err
	}
	received, err := e.liquidityBalance(to)
	if err != nil {
		return err
	}
	return e.setLiquidityBalance(to, received.Add(received, amount))
}

// ApproveLiquidity sets the amount spender may move on behalf of owner. Both
// must be allow-listed.
func (e *Engine) ApproveLiquidity(owner, spender crypto.Address, amount *big.Int) error {
	return e.mutate("approve_liquidity", func() error {
		if amount == nil || amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		pool, err := e.loadPool()
		if err != nil {
			return err
		}
		if !pool.IsAuthorized(owner) || !pool.IsAuthorized(spender) {
			return ErrUnauthorized
		}
		return e.state.KVPut(allowanceKey(e.poolID, owner, spender), cloneInt(amount))
	})
}

// TransferLiquidityFrom moves liquidity tokens using an allowance.
func (e *Engine) TransferLiquidityFrom(spender, from, to crypto.Address, amount *big.Int) error {
	return e.mutate("transfer_liquidity_from", func() error {
		if amount == nil || amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		pool, err := e.loadPool()
		if err != nil {
			return err
		}
		if !pool.IsAuthorized(spender) || !pool.IsAuthorized(from) || !pool.IsAuthorized(to) {
			return ErrUnauthorized
		}
		allowed, err := e.allowance(from, spender)
		if err != nil {
			return err
		}
		if allowed.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
		if err := e.state.KVPut(allowanceKey(e.poolID, from, spender), allowed.Sub(allowed, amount)); err != nil {
			return err
		}
		return e.transferLiquidity(from, to, amount)
	})
}
