package amm

import (
	"fmt"
	"math/big"
	"strings"

	"floorlend/core/events"
	"floorlend/crypto"
	"floorlend/native/bank"
	nativecommon "floorlend/native/common"
	"floorlend/native/floor"
)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Atomic(fn func() error) error
}

type tokenLedger interface {
	Transfer(symbol string, from, to crypto.Address, amount *big.Int) error
	TotalSupply(symbol string) (*big.Int, error)
}

// SwapCallback runs after the optimistic output transfer and before the
// invariant check. It may pay for the trade through Deposit.
type SwapCallback func(out0, out1 *big.Int) error

// Engine executes trades and liquidity operations for a single pool.
type Engine struct {
	poolID  string
	address crypto.Address
	state   engineState
	bank    tokenLedger
	emitter events.Emitter
	pauses  nativecommon.PauseView
	guard   nativecommon.ReentrancyGuard
}

// PoolAddress is the module account that custodies a pool's assets.
func PoolAddress(poolID string) crypto.Address {
	return crypto.DeriveModuleAddress("amm/pool/" + strings.TrimSpace(poolID))
}

// NewEngine constructs the engine for poolID. State and the token ledger must
// be wired before use.
func NewEngine(poolID string) *Engine {
	id := strings.TrimSpace(poolID)
	return &Engine{
		poolID:  id,
		address: PoolAddress(id),
		emitter: events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetBank wires the token ledger that custodies pooled assets.
func (e *Engine) SetBank(ledger tokenLedger) { e.bank = ledger }

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

func (e *Engine) PoolID() string { return e.poolID }

// Address returns the pool's custody account.
func (e *Engine) Address() crypto.Address { return e.address }

func poolKey(poolID string) []byte {
	return []byte("amm/pool/" + poolID)
}

func liquidityKey(poolID string, holder crypto.Address) []byte {
	return append([]byte("amm/lp/"+poolID+"/"), holder[:]...)
}

func allowanceKey(poolID string, owner, spender crypto.Address) []byte {
	key := append([]byte("amm/lp-allowance/"+poolID+"/"), owner[:]...)
	return append(key, spender[:]...)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.bank == nil {
		return errNilBank
	}
	return nil
}

// mutate runs fn as one guarded, all-or-nothing execution unit.
func (e *Engine) mutate(op string, fn func() error) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	return e.guard.Run(op, func() error {
		return e.state.Atomic(fn)
	})
}

func (e *Engine) loadPool() (*Pool, error) {
	var pool Pool
	ok, err := e.state.KVGet(poolKey(e.poolID), &pool)
	if err != nil {
		return nil, err
	}
	if !ok || !pool.Initialized {
		return nil, ErrNotInitialized
	}
	pool.ensureDefaults()
	return &pool, nil
}

func (e *Engine) storePool(pool *Pool) error {
	pool.ensureDefaults()
	return e.state.KVPut(poolKey(e.poolID), pool)
}

// Initialized reports whether genesis liquidity has been seeded.
func (e *Engine) Initialized() (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	_, err := e.loadPool()
	if err == ErrNotInitialized {
		return false, nil
	}
	return err == nil, err
}

// Seed performs the one-time genesis of the pool. Both reserves are pulled
// from funder, the live token supply becomes InitialSupply and sqrt(k)
// liquidity is minted: MinimumLiquidity to BurnSink and the rest to the
// harvester. The harvester's balance after Seed is its permanent principal.
func (e *Engine) Seed(funder crypto.Address, params SeedParams) (*big.Int, error) {
	var liquidity *big.Int
	err := e.mutate("seed", func() error {
		if initialized, err := e.Initialized(); err != nil {
			return err
		} else if initialized {
			return ErrAlreadyInitialized
		}
		if params.TokenAmount == nil || params.TokenAmount.Sign() <= 0 ||
			params.QuoteAmount == nil || params.QuoteAmount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		token := strings.ToUpper(strings.TrimSpace(params.Token))
		quote := strings.ToUpper(strings.TrimSpace(params.Quote))
		if token == "" || quote == "" || token == quote {
			return ErrUnknownAsset
		}
		if params.Harvester.IsZero() || params.Harvester == e.address || params.Harvester == BurnSink {
			return ErrInvalidRecipient
		}
		if err := ValidateFeeCurve(params.StartFeeBps, params.EndFeeBps, params.DecayTargetBurned); err != nil {
			return err
		}
		maxHarvest := params.MaxHarvestBps
		if maxHarvest == 0 {
			maxHarvest = DefaultMaxHarvestBps
		}
		if maxHarvest > bpsDenominator {
			return ErrInvalidFeeCurve
		}

		k := new(big.Int).Mul(params.TokenAmount, params.QuoteAmount)
		total := new(big.Int).Sqrt(k)
		if total.Cmp(big.NewInt(MinimumLiquidity)) <= 0 {
			return ErrInsufficientLiquidity
		}
		if err := e.bank.Transfer(token, funder, e.address, params.TokenAmount); err != nil {
			return err
		}
		if err := e.bank.Transfer(quote, funder, e.address, params.QuoteAmount); err != nil {
			return err
		}
		supply, err := e.bank.TotalSupply(token)
		if err != nil {
			return err
		}

		pool := &Pool{
			ID:                e.poolID,
			Token:             token,
			Quote:             quote,
			Address:           e.address,
			Harvester:         params.Harvester,
			Reserve0:          new(big.Int).Set(params.TokenAmount),
			Reserve1:          new(big.Int).Set(params.QuoteAmount),
			InitialSupply:     supply,
			StartFeeBps:       params.StartFeeBps,
			EndFeeBps:         params.EndFeeBps,
			DecayTargetBurned: cloneInt(params.DecayTargetBurned),
			LastInvariant:     k,
			LiquiditySupply:   total,
			MaxHarvestBps:     maxHarvest,
			Authorized:        []crypto.Address{e.address, params.Harvester},
			Initialized:       true,
		}
		if err := e.storePool(pool); err != nil {
			return err
		}
		liquidity = new(big.Int).Sub(total, big.NewInt(MinimumLiquidity))
		if err := e.setLiquidityBalance(BurnSink, big.NewInt(MinimumLiquidity)); err != nil {
			return err
		}
		if err := e.setLiquidityBalance(params.Harvester, liquidity); err != nil {
			return err
		}
		e.emitter.Emit(events.PoolSeeded{
			PoolID:        e.poolID,
			Token:         token,
			Quote:         quote,
			TokenReserve:  cloneInt(pool.Reserve0),
			QuoteReserve:  cloneInt(pool.Reserve1),
			InitialSupply: cloneInt(supply),
			Liquidity:     cloneInt(total),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return liquidity, nil
}

// Deposit moves amount of asset from payer into the pool and credits it as
// input for the next Swap. Deposit is the only way pool input is recognised;
// assets sent to the pool address by a plain transfer are never counted.
// It is callable from inside a SwapCallback.
func (e *Engine) Deposit(asset string, payer crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return e.state.Atomic(func() error {
		pool, err := e.loadPool()
		if err != nil {
			return err
		}
		symbol := strings.ToUpper(strings.TrimSpace(asset))
		var pending *big.Int
		switch symbol {
		case pool.Token:
			pending = pool.Pending0
		case pool.Quote:
			pending = pool.Pending1
		default:
			return fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
		}
		if err := e.bank.Transfer(symbol, payer, e.address, amount); err != nil {
			return err
		}
		pending.Add(pending, amount)
		return e.storePool(pool)
	})
}

func (e *Engine) validRecipient(pool *Pool, recipient crypto.Address) bool {
	if recipient.IsZero() || recipient == e.address {
		return false
	}
	return recipient != bank.AssetAddress(pool.Token) && recipient != bank.AssetAddress(pool.Quote)
}

// Swap sends out0 tokens and out1 quote units to recipient, runs callback and
// then settles against the input deposited since the last swap. The trade is
// rejected unless the fee-adjusted product of the new balances is at least
// the product of the old reserves.
func (e *Engine) Swap(out0, out1 *big.Int, recipient crypto.Address, callback SwapCallback) error {
	out0, out1 = cloneInt(out0), cloneInt(out1)
	return e.mutate("swap", func() error {
		if out0.Sign() < 0 || out1.Sign() < 0 {
			return ErrInvalidAmount
		}
		if out0.Sign() == 0 && out1.Sign() == 0 {
			return ErrInsufficientOutput
		}
		pool, err := e.loadPool()
		if err != nil {
			return err
		}
		if out0.Cmp(pool.Reserve0) >= 0 || out1.Cmp(pool.Reserve1) >= 0 {
			return ErrInsufficientLiquidity
		}
		if !e.validRecipient(pool, recipient) {
			return ErrInvalidRecipient
		}
		if out0.Sign() > 0 {
			if err := e.bank.Transfer(pool.Token, e.address, recipient, out0); err != nil {
				return err
			}
		}
		if out1.Sign() > 0 {
			if err := e.bank.Transfer(pool.Quote, e.address, recipient, out1); err != nil {
				return err
			}
		}
		if callback != nil {
			if err := callback(cloneInt(out0), cloneInt(out1)); err != nil {
				return err
			}
			// The callback may have deposited.
			if pool, err = e.loadPool(); err != nil {
				return err
			}
		}

		in0, in1 := cloneInt(pool.Pending0), cloneInt(pool.Pending1)
		if in0.Sign() == 0 && in1.Sign() == 0 {
			return ErrInsufficientInput
		}
		fee, err := e.currentFee(pool)
		if err != nil {
			return err
		}
		before := pool.Reserves()
		balance0 := new(big.Int).Sub(pool.Reserve0, out0)
		balance0.Add(balance0, in0)
		balance1 := new(big.Int).Sub(pool.Reserve1, out1)
		balance1.Add(balance1, in1)
		if err := checkFeeAdjustedInvariant(before, balance0, balance1, in0, in1, fee); err != nil {
			return err
		}
		after := Reserves{Token: balance0, Quote: balance1}
		if err := ValidateInvariant(before, after); err != nil {
			return err
		}

		pool.Reserve0, pool.Reserve1 = balance0, balance1
		pool.Pending0, pool.Pending1 = big.NewInt(0), big.NewInt(0)
		if err := e.storePool(pool); err != nil {
			return err
		}
		e.emitter.Emit(events.Swap{
			PoolID:    e.poolID,
			Recipient: recipient,
			AmountIn0: in0,
			AmountIn1: in1,
			Out0:      out0,
			Out1:      out1,
			FeeBps:    fee,
			Reserve0:  cloneInt(balance0),
			Reserve1:  cloneInt(balance1),
		})
		return nil
	})
}

// checkFeeAdjustedInvariant requires
// (B0*10000 - in0*fee) * (B1*10000 - in1*fee) >= R0*R1*10000^2.
func checkFeeAdjustedInvariant(before Reserves, balance0, balance1, in0, in1 *big.Int, fee uint64) error {
	feeInt := new(big.Int).SetUint64(fee)
	adjusted0 := new(big.Int).Mul(balance0, basisPoints)
	adjusted0.Sub(adjusted0, new(big.Int).Mul(in0, feeInt))
	adjusted1 := new(big.Int).Mul(balance1, basisPoints)
	adjusted1.Sub(adjusted1, new(big.Int).Mul(in1, feeInt))
	lhs := new(big.Int).Mul(adjusted0, adjusted1)
	rhs := before.Invariant()
	rhs.Mul(rhs, basisPoints)
	rhs.Mul(rhs, basisPoints)
	if lhs.Cmp(rhs) < 0 {
		return ErrInvariantViolation
	}
	return nil
}

// ValidateInvariant fails when a trade shrinks the constant product.
func ValidateInvariant(before, after Reserves) error {
	if after.Invariant().Cmp(before.Invariant()) < 0 {
		return fmt.Errorf("%w: k %s -> %s", ErrInvariantViolation, before.Invariant(), after.Invariant())
	}
	return nil
}

// GetAmountOut prices amountIn against the given reserves with fee charged on
// input, rounded down.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint64) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInsufficientInput
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	if feeBps > bpsDenominator {
		return nil, ErrInvalidFeeCurve
	}
	withFee := new(big.Int).Mul(amountIn, new(big.Int).SetUint64(bpsDenominator-feeBps))
	numerator := new(big.Int).Mul(withFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, basisPoints)
	denominator.Add(denominator, withFee)
	return numerator.Quo(numerator, denominator), nil
}

func (e *Engine) sides(pool *Pool, assetIn string) (reserveIn, reserveOut *big.Int, tokenIn bool, err error) {
	switch strings.ToUpper(strings.TrimSpace(assetIn)) {
	case pool.Token:
		return pool.Reserve0, pool.Reserve1, true, nil
	case pool.Quote:
		return pool.Reserve1, pool.Reserve0, false, nil
	default:
		return nil, nil, false, fmt.Errorf("%w: %s", ErrUnknownAsset, assetIn)
	}
}

// QuoteOut returns the output SwapExactIn would pay for amountIn of assetIn
// at the current reserves and fee.
func (e *Engine) QuoteOut(assetIn string, amountIn *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	reserveIn, reserveOut, _, err := e.sides(pool, assetIn)
	if err != nil {
		return nil, err
	}
	fee, err := e.currentFee(pool)
	if err != nil {
		return nil, err
	}
	return GetAmountOut(amountIn, reserveIn, reserveOut, fee)
}

// SwapExactIn deposits amountIn of assetIn from trader and pays the quoted
// output back to trader. It fails with ErrInsufficientOutput when the output
// is below minOut.
func (e *Engine) SwapExactIn(trader crypto.Address, assetIn string, amountIn, minOut *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var out *big.Int
	err := e.state.Atomic(func() error {
		pool, err := e.loadPool()
		if err != nil {
			return err
		}
		_, _, tokenIn, err := e.sides(pool, assetIn)
		if err != nil {
			return err
		}
		quoted, err := e.QuoteOut(assetIn, amountIn)
		if err != nil {
			return err
		}
		if quoted.Sign() == 0 || (minOut != nil && quoted.Cmp(minOut) < 0) {
			return ErrInsufficientOutput
		}
		if err := e.Deposit(assetIn, trader, amountIn); err != nil {
			return err
		}
		if tokenIn {
			err = e.Swap(nil, quoted, trader, nil)
		} else {
			err = e.Swap(quoted, nil, trader, nil)
		}
		if err != nil {
			return err
		}
		out = quoted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) currentFee(pool *Pool) (uint64, error) {
	supply, err := e.bank.TotalSupply(pool.Token)
	if err != nil {
		return 0, err
	}
	return FeeAt(pool.StartFeeBps, pool.EndFeeBps, pool.DecayTargetBurned, burned(pool.InitialSupply, supply)), nil
}

// Pool returns a copy of the persisted pool record.
func (e *Engine) Pool() (*Pool, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// Reserves returns the accounted reserves.
func (e *Engine) Reserves() (Reserves, error) {
	pool, err := e.Pool()
	if err != nil {
		return Reserves{}, err
	}
	return pool.Reserves(), nil
}

// CurrentFee returns the active trade fee in basis points.
func (e *Engine) CurrentFee() (uint64, error) {
	pool, err := e.Pool()
	if err != nil {
		return 0, err
	}
	return e.currentFee(pool)
}

// CurrentSupply returns the live total supply of the pooled token.
func (e *Engine) CurrentSupply() (*big.Int, error) {
	pool, err := e.Pool()
	if err != nil {
		return nil, err
	}
	return e.bank.TotalSupply(pool.Token)
}

// PMin returns the floor price in WAD from live reserves, supply and fee.
func (e *Engine) PMin() (*big.Int, error) {
	pool, err := e.Pool()
	if err != nil {
		return nil, err
	}
	supply, err := e.bank.TotalSupply(pool.Token)
	if err != nil {
		return nil, err
	}
	fee := FeeAt(pool.StartFeeBps, pool.EndFeeBps, pool.DecayTargetBurned, burned(pool.InitialSupply, supply))
	return floor.Calculate(pool.Reserve0, pool.Reserve1, supply, fee)
}

// SpotPrice returns Reserve1/Reserve0 in WAD.
func (e *Engine) SpotPrice() (*big.Int, error) {
	pool, err := e.Pool()
	if err != nil {
		return nil, err
	}
	return floor.SpotPrice(pool.Reserve0, pool.Reserve1)
}
