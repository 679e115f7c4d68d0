// Package harvest converts a pool's accumulated trading fees into burned
// collateral supply and quote value forwarded to a treasury.
package harvest

import (
	"errors"
	"math/big"
	"strings"

	"floorlend/core/events"
	"floorlend/crypto"
	"floorlend/native/amm"
	nativecommon "floorlend/native/common"
)

const moduleName = "harvest"

var (
	errNilState = errors.New("harvest: state not configured")
	errNilPool  = errors.New("harvest: pool not configured")

	ErrPrincipalNotSet = errors.New("harvest: principal not recorded")
	ErrPrincipalSet    = errors.New("harvest: principal already recorded")
	ErrInvalidTreasury = errors.New("harvest: invalid treasury")

	errFloorWouldFall = errors.New("harvest: redemption would lower the floor")
)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Atomic(fn func() error) error
}

type poolEngine interface {
	PoolID() string
	Pool() (*amm.Pool, error)
	Mint(to crypto.Address) (*big.Int, error)
	Burn(owner crypto.Address, amount *big.Int) (*big.Int, *big.Int, error)
	LiquidityBalance(holder crypto.Address) (*big.Int, error)
	PMin() (*big.Int, error)
}

type tokenLedger interface {
	Burn(symbol string, from crypto.Address, amount *big.Int) error
	Transfer(symbol string, from, to crypto.Address, amount *big.Int) error
}

// Result describes what a harvest call did. A zero Liquidity means nothing was
// redeemed; Deferred is set when there was excess but redeeming it would have
// lowered the pool's floor price.
type Result struct {
	Liquidity      *big.Int
	TokenBurned    *big.Int
	QuoteForwarded *big.Int
	Deferred       bool
}

func emptyResult() *Result {
	return &Result{Liquidity: big.NewInt(0), TokenBurned: big.NewInt(0), QuoteForwarded: big.NewInt(0)}
}

// Harvester owns the liquidity tokens of one pool. Between calls it holds
// exactly its genesis principal.
type Harvester struct {
	address  crypto.Address
	treasury crypto.Address
	state    engineState
	pool     poolEngine
	bank     tokenLedger
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	guard    nativecommon.ReentrancyGuard
}

// Address is the harvester account of poolID.
func Address(poolID string) crypto.Address {
	return crypto.DeriveModuleAddress("harvest/" + strings.TrimSpace(poolID))
}

func New(pool poolEngine, treasury crypto.Address) *Harvester {
	return &Harvester{
		address:  Address(pool.PoolID()),
		treasury: treasury,
		pool:     pool,
		emitter:  events.NoopEmitter{},
	}
}

func (h *Harvester) SetState(state engineState) { h.state = state }

func (h *Harvester) SetBank(ledger tokenLedger) { h.bank = ledger }

func (h *Harvester) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	h.emitter = emitter
}

func (h *Harvester) SetPauses(p nativecommon.PauseView) { h.pauses = p }

func (h *Harvester) Address() crypto.Address { return h.address }

func (h *Harvester) Treasury() crypto.Address { return h.treasury }

func (h *Harvester) principalKey() []byte {
	return []byte("harvest/principal/" + h.pool.PoolID())
}

func (h *Harvester) ready() error {
	if h == nil || h.state == nil || h.bank == nil {
		return errNilState
	}
	if h.pool == nil {
		return errNilPool
	}
	return nil
}

// Principal returns the liquidity balance recorded at genesis.
func (h *Harvester) Principal() (*big.Int, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	principal := new(big.Int)
	ok, err := h.state.KVGet(h.principalKey(), principal)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPrincipalNotSet
	}
	return principal, nil
}

// RecordPrincipal stores the genesis balance. It can only be called once.
func (h *Harvester) RecordPrincipal(amount *big.Int) error {
	if err := h.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrPrincipalNotSet
	}
	if _, err := h.Principal(); err == nil {
		return ErrPrincipalSet
	} else if !errors.Is(err, ErrPrincipalNotSet) {
		return err
	}
	return h.state.KVPut(h.principalKey(), new(big.Int).Set(amount))
}

// Harvest mints liquidity for invariant growth, redeems everything above the
// principal, burns the token share and forwards the quote share to the
// treasury. It is permissionless. When the excess is too small to redeem the
// call is a no-op.
//
// A redemption removes token and quote reserves in equal proportion while the
// tokens held outside the pool stay put, so at a fixed fee it lowers pMin.
// Only the fee decay bought by the burn can offset that. Harvest therefore
// commits only when pMin after the redemption is at least pMin before it;
// otherwise everything, the mint included, is rolled back and the result is
// marked Deferred. The excess keeps accruing and the next call retries.
func (h *Harvester) Harvest(caller crypto.Address) (*Result, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(h.pauses, moduleName); err != nil {
		return nil, err
	}
	if h.treasury.IsZero() || h.treasury == h.address {
		return nil, ErrInvalidTreasury
	}
	result := emptyResult()
	err := h.guard.Run("harvest", func() error {
		return h.state.Atomic(func() error {
			principal, err := h.Principal()
			if err != nil {
				return err
			}
			pool, err := h.pool.Pool()
			if err != nil {
				return err
			}
			floor, err := h.pool.PMin()
			if err != nil {
				return err
			}
			err = h.state.Atomic(func() error {
				if err := h.redeemExcess(pool, principal, result); err != nil {
					return err
				}
				if result.Liquidity.Sign() == 0 {
					return nil
				}
				after, err := h.pool.PMin()
				if err != nil {
					return err
				}
				if after.Cmp(floor) < 0 {
					return errFloorWouldFall
				}
				return nil
			})
			switch {
			case errors.Is(err, amm.ErrInsufficientLiquidity):
				*result = *emptyResult()
				return nil
			case errors.Is(err, errFloorWouldFall):
				*result = *emptyResult()
				result.Deferred = true
				return nil
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if result.Liquidity.Sign() > 0 {
		h.emitter.Emit(events.FeesHarvested{
			PoolID:         h.pool.PoolID(),
			Caller:         caller,
			Liquidity:      new(big.Int).Set(result.Liquidity),
			TokenBurned:    new(big.Int).Set(result.TokenBurned),
			QuoteForwarded: new(big.Int).Set(result.QuoteForwarded),
			Treasury:       h.treasury,
		})
	}
	return result, nil
}

func (h *Harvester) redeemExcess(pool *amm.Pool, principal *big.Int, result *Result) error {
	if _, err := h.pool.Mint(h.address); err != nil {
		return err
	}
	balance, err := h.pool.LiquidityBalance(h.address)
	if err != nil {
		return err
	}
	if balance.Cmp(principal) <= 0 {
		return nil
	}
	excess := new(big.Int).Sub(balance, principal)
	amount0, amount1, err := h.pool.Burn(h.address, excess)
	if err != nil {
		return err
	}
	if err := h.bank.Burn(pool.Token, h.address, amount0); err != nil {
		return err
	}
	if err := h.bank.Transfer(pool.Quote, h.address, h.treasury, amount1); err != nil {
		return err
	}
	result.Liquidity = excess
	result.TokenBurned = amount0
	result.QuoteForwarded = amount1
	return nil
}
