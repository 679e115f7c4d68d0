package lending

import (
	"errors"
	"fmt"
	"math/big"

	"floorlend/core/events"
	"floorlend/crypto"
	"floorlend/native/amm"
	nativecommon "floorlend/native/common"
	"floorlend/native/floor"
)

var (
	ErrNoPosition             = errors.New("lending ledger: position not found")
	ErrOutstandingDebt        = errors.New("lending ledger: outstanding debt")
	ErrBorrowLimitExceeded    = errors.New("lending ledger: borrow exceeds collateral value at floor price")
	ErrNoDebt                 = errors.New("lending ledger: no debt to repay")
	ErrPositionHealthy        = errors.New("lending ledger: position is healthy")
	ErrAlreadyMarked          = errors.New("lending ledger: position already marked")
	ErrNotMarked              = errors.New("lending ledger: position not marked")
	ErrGracePeriodActive      = errors.New("lending ledger: grace period active")
	ErrInsufficientCollateral = errors.New("lending ledger: insufficient collateral")
	ErrInvalidParams          = errors.New("lending ledger: invalid params")
)

type ledgerState interface {
	engineState
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte) ([][]byte, error)
}

type floorPool interface {
	PoolID() string
	Pool() (*amm.Pool, error)
	PMin() (*big.Int, error)
	CurrentFee() (uint64, error)
	Deposit(asset string, payer crypto.Address, amount *big.Int) error
	Swap(out0, out1 *big.Int, recipient crypto.Address, callback amm.SwapCallback) error
}

type liquidityPool interface {
	Asset() string
	AccrueInterest() error
	BorrowIndex() (*big.Int, error)
	Borrow(caller crypto.Address, amount *big.Int) error
	Repay(caller crypto.Address, amount *big.Int) error
	Forgive(caller crypto.Address, amount *big.Int) error
}

// Ledger holds collateral for one AMM pool and lends the pool's quote asset
// from the shared liquidity pool against it.
type Ledger struct {
	pool      floorPool
	liquidity liquidityPool
	params    Params
	address   crypto.Address
	state     ledgerState
	bank      tokenLedger
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	guard     nativecommon.ReentrancyGuard
	now       uint64
}

// LedgerAddress is the custody account of the collateral ledger of poolID.
func LedgerAddress(poolID string) crypto.Address {
	return crypto.DeriveModuleAddress("lending/ledger/" + poolID)
}

// NewLedger binds a collateral ledger to an AMM pool and a liquidity pool.
func NewLedger(pool floorPool, liquidity liquidityPool, params Params) (*Ledger, error) {
	if pool == nil || liquidity == nil {
		return nil, ErrInvalidParams
	}
	if params.RecoveryBountyBps >= 10_000 {
		return nil, fmt.Errorf("%w: recovery bounty %d bps", ErrInvalidParams, params.RecoveryBountyBps)
	}
	return &Ledger{
		pool:      pool,
		liquidity: liquidity,
		params:    params,
		address:   LedgerAddress(pool.PoolID()),
		emitter:   events.NoopEmitter{},
	}, nil
}

func (l *Ledger) SetState(state ledgerState) { l.state = state }

func (l *Ledger) SetBank(ledger tokenLedger) { l.bank = ledger }

func (l *Ledger) SetPauses(p nativecommon.PauseView) { l.pauses = p }

func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// SetBlockTime records the sequencer time used for health and grace checks.
func (l *Ledger) SetBlockTime(ts uint64) { l.now = ts }

func (l *Ledger) Address() crypto.Address { return l.address }

func (l *Ledger) PoolID() string { return l.pool.PoolID() }

func (l *Ledger) Params() Params { return l.params }

func (l *Ledger) positionKey(account crypto.Address) []byte {
	return append([]byte("lending/position/"+l.pool.PoolID()+"/"), account[:]...)
}

func (l *Ledger) accountsKey() []byte {
	return []byte("lending/accounts/" + l.pool.PoolID())
}

// ledgerContext carries what every entry point reads before acting.
type ledgerContext struct {
	pool  *amm.Pool
	index *big.Int
}

func (l *Ledger) ready() error {
	if l == nil || l.state == nil || l.bank == nil {
		return errNilState
	}
	return nil
}

func (l *Ledger) load() (*ledgerContext, error) {
	pool, err := l.pool.Pool()
	if err != nil {
		return nil, err
	}
	if pool.Quote != l.liquidity.Asset() {
		return nil, fmt.Errorf("%w: pool quotes %s, liquidity pool lends %s", ErrAssetMismatch, pool.Quote, l.liquidity.Asset())
	}
	index, err := l.liquidity.BorrowIndex()
	if err != nil {
		return nil, err
	}
	return &ledgerContext{pool: pool, index: index}, nil
}

// mutate runs fn for account inside one atomic unit after accruing the
// liquidity pool and syncing the position's interest.
func (l *Ledger) mutate(op string, fn func(ctx *ledgerContext) error) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	return l.guard.Run(op, func() error {
		return l.state.Atomic(func() error {
			if err := l.liquidity.AccrueInterest(); err != nil {
				return err
			}
			ctx, err := l.load()
			if err != nil {
				return err
			}
			return fn(ctx)
		})
	})
}

func (l *Ledger) loadPosition(account crypto.Address) (*Position, bool, error) {
	pos := new(Position)
	ok, err := l.state.KVGet(l.positionKey(account), pos)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	pos.ensureDefaults()
	return pos, true, nil
}

func (l *Ledger) mustPosition(account crypto.Address, index *big.Int) (*Position, error) {
	pos, ok, err := l.loadPosition(account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPosition
	}
	syncInterest(pos, index)
	return pos, nil
}

func (l *Ledger) storePosition(pos *Position) error {
	if pos.Collateral.Sign() == 0 && pos.Debt().Sign() == 0 {
		return l.state.KVDelete(l.positionKey(pos.Account))
	}
	return l.state.KVPut(l.positionKey(pos.Account), pos)
}

// syncInterest grows the position's debt to the pool's current index.
func syncInterest(pos *Position, index *big.Int) {
	debt := pos.Debt()
	if debt.Sign() > 0 {
		grown := growDebt(debt, pos.BorrowIndex, index)
		pos.Interest = grown.Sub(grown, pos.Principal)
	}
	pos.BorrowIndex = new(big.Int).Set(index)
}

// healthy reports debt <= collateral * reserve1 / reserve0, compared without
// division.
func healthy(pos *Position, pool *amm.Pool) bool {
	debt := pos.Debt()
	if debt.Sign() == 0 {
		return true
	}
	if pool.Reserve0.Sign() == 0 {
		return false
	}
	lhs := new(big.Int).Mul(debt, pool.Reserve0)
	rhs := new(big.Int).Mul(pos.Collateral, pool.Reserve1)
	return lhs.Cmp(rhs) <= 0
}

// observe refreshes LastHealthy and clears any mark when pos is healthy.
func (l *Ledger) observe(pos *Position, pool *amm.Pool) bool {
	if !healthy(pos, pool) {
		return false
	}
	pos.LastHealthy = l.now
	pos.MarkedAt = 0
	return true
}

// DepositCollateral moves amount of the pool token from account into the
// ledger. A new position starts healthy at the current time.
func (l *Ledger) DepositCollateral(account crypto.Address, amount *big.Int) error {
	var collateral *big.Int
	err := l.mutate("deposit_collateral", func(ctx *ledgerContext) error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if account.IsZero() {
			return ErrInvalidAmount
		}
		pos, ok, err := l.loadPosition(account)
		if err != nil {
			return err
		}
		if !ok {
			pos = &Position{Account: account, LastHealthy: l.now}
			pos.ensureDefaults()
			if err := l.state.KVAppend(l.accountsKey(), account.Bytes()); err != nil {
				return err
			}
		}
		syncInterest(pos, ctx.index)
		if err := l.bank.Transfer(ctx.pool.Token, account, l.address, amount); err != nil {
			return err
		}
		pos.Collateral.Add(pos.Collateral, amount)
		l.observe(pos, ctx.pool)
		collateral = cloneInt(pos.Collateral)
		return l.storePosition(pos)
	})
	if err != nil {
		return err
	}
	l.emitter.Emit(events.CollateralMoved{PoolID: l.pool.PoolID(), Account: account, Amount: cloneInt(amount), Collateral: collateral})
	return nil
}

// WithdrawCollateral returns amount of collateral to account. It is only
// allowed once all debt is repaid. Withdrawing everything closes the
// position.
func (l *Ledger) WithdrawCollateral(account crypto.Address, amount *big.Int) error {
	var collateral *big.Int
	err := l.mutate("withdraw_collateral", func(ctx *ledgerContext) error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		pos, err := l.mustPosition(account, ctx.index)
		if err != nil {
			return err
		}
		if pos.Debt().Sign() > 0 {
			return ErrOutstandingDebt
		}
		if pos.Collateral.Cmp(amount) < 0 {
			return ErrInsufficientCollateral
		}
		if err := l.bank.Transfer(ctx.pool.Token, l.address, account, amount); err != nil {
			return err
		}
		pos.Collateral.Sub(pos.Collateral, amount)
		l.observe(pos, ctx.pool)
		collateral = cloneInt(pos.Collateral)
		return l.storePosition(pos)
	})
	if err != nil {
		return err
	}
	l.emitter.Emit(events.CollateralMoved{PoolID: l.pool.PoolID(), Account: account, Amount: cloneInt(amount), Collateral: collateral, Withdrawn: true})
	return nil
}

// Borrow draws amount of the quote asset for account. Principal may never
// exceed the collateral valued at the current floor price.
func (l *Ledger) Borrow(account crypto.Address, amount *big.Int) error {
	var principal, pMin *big.Int
	err := l.mutate("borrow", func(ctx *ledgerContext) error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		pos, err := l.mustPosition(account, ctx.index)
		if err != nil {
			return err
		}
		if pMin, err = l.pool.PMin(); err != nil {
			return err
		}
		limit := floor.Value(pos.Collateral, pMin)
		wanted := new(big.Int).Add(pos.Principal, amount)
		if wanted.Cmp(limit) > 0 {
			return fmt.Errorf("%w: principal %s above limit %s", ErrBorrowLimitExceeded, wanted, limit)
		}
		if err := l.liquidity.Borrow(l.address, amount); err != nil {
			return err
		}
		if err := l.bank.Transfer(ctx.pool.Quote, l.address, account, amount); err != nil {
			return err
		}
		pos.Principal = wanted
		pos.BorrowFloor = new(big.Int).Set(pMin)
		l.observe(pos, ctx.pool)
		principal = cloneInt(pos.Principal)
		return l.storePosition(pos)
	})
	if err != nil {
		return err
	}
	l.emitter.Emit(events.LoanBorrowed{PoolID: l.pool.PoolID(), Account: account, Amount: cloneInt(amount), Principal: principal, PMin: pMin})
	return nil
}

// Repay pulls up to amount of the quote asset from payer against account's
// debt, interest first. Nothing beyond the outstanding debt is taken.
func (l *Ledger) Repay(payer, account crypto.Address, amount *big.Int) (*big.Int, error) {
	var paid, interestPaid, principalPaid, remaining *big.Int
	err := l.mutate("repay", func(ctx *ledgerContext) error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		pos, err := l.mustPosition(account, ctx.index)
		if err != nil {
			return err
		}
		debt := pos.Debt()
		if debt.Sign() == 0 {
			return ErrNoDebt
		}
		paid = minInt(amount, debt)
		if err := l.bank.Transfer(ctx.pool.Quote, payer, l.address, paid); err != nil {
			return err
		}
		if err := l.liquidity.Repay(l.address, paid); err != nil {
			return err
		}
		interestPaid = minInt(paid, pos.Interest)
		principalPaid = new(big.Int).Sub(paid, interestPaid)
		pos.Interest.Sub(pos.Interest, interestPaid)
		pos.Principal.Sub(pos.Principal, principalPaid)
		l.observe(pos, ctx.pool)
		remaining = pos.Debt()
		return l.storePosition(pos)
	})
	if err != nil {
		return nil, err
	}
	l.emitter.Emit(events.LoanRepaid{
		PoolID:    l.pool.PoolID(),
		Account:   account,
		Payer:     payer,
		Interest:  interestPaid,
		Principal: principalPaid,
		Remaining: remaining,
	})
	return paid, nil
}

// Poke re-evaluates account's health and records it when healthy. It lets
// keepers and borrowers clear a mark after prices recover.
func (l *Ledger) Poke(account crypto.Address) (bool, error) {
	var ok bool
	err := l.mutate("poke", func(ctx *ledgerContext) error {
		pos, err := l.mustPosition(account, ctx.index)
		if err != nil {
			return err
		}
		ok = l.observe(pos, ctx.pool)
		return l.storePosition(pos)
	})
	return ok, err
}

// MarkOTM starts the grace period of an unhealthy position at the current
// block time. Anyone may call it.
func (l *Ledger) MarkOTM(caller, account crypto.Address) error {
	var lastHealthy uint64
	err := l.mutate("mark", func(ctx *ledgerContext) error {
		pos, err := l.mustPosition(account, ctx.index)
		if err != nil {
			return err
		}
		if healthy(pos, ctx.pool) {
			return ErrPositionHealthy
		}
		if pos.MarkedAt != 0 {
			return ErrAlreadyMarked
		}
		pos.MarkedAt = l.now
		lastHealthy = pos.LastHealthy
		return l.storePosition(pos)
	})
	if err != nil {
		return err
	}
	l.emitter.Emit(events.PositionMarked{PoolID: l.pool.PoolID(), Account: account, Marker: caller, MarkedAt: l.now, LastHealthy: lastHealthy})
	return nil
}

// RecoveryResult reports how recovered collateral was distributed.
type RecoveryResult struct {
	Collateral *big.Int
	Proceeds   *big.Int
	Bounty     *big.Int
	Repaid     *big.Int
	Shortfall  *big.Int
	Refund     *big.Int
}

// Recover sells the collateral of a marked position whose grace period has
// passed. The caller earns the recovery bounty, debt is repaid from the
// rest, any shortfall is written off at the liquidity pool and the
// remainder goes back to the borrower.
func (l *Ledger) Recover(caller, account crypto.Address) (*RecoveryResult, error) {
	var result *RecoveryResult
	err := l.mutate("recover", func(ctx *ledgerContext) error {
		pos, err := l.mustPosition(account, ctx.index)
		if err != nil {
			return err
		}
		if healthy(pos, ctx.pool) {
			return ErrPositionHealthy
		}
		if pos.MarkedAt == 0 {
			return ErrNotMarked
		}
		if l.now < pos.MarkedAt+l.params.GracePeriod {
			return fmt.Errorf("%w: recoverable at %d", ErrGracePeriodActive, pos.MarkedAt+l.params.GracePeriod)
		}
		// Price the sale from reserves read before any collateral moves.
		snapshot := ctx.pool.Reserves()
		fee, err := l.pool.CurrentFee()
		if err != nil {
			return err
		}
		proceeds, err := amm.GetAmountOut(pos.Collateral, snapshot.Token, snapshot.Quote, fee)
		if err != nil {
			return err
		}
		if proceeds.Sign() == 0 {
			return amm.ErrInsufficientOutput
		}
		if err := l.pool.Deposit(ctx.pool.Token, l.address, pos.Collateral); err != nil {
			return err
		}
		if err := l.pool.Swap(nil, proceeds, l.address, nil); err != nil {
			return err
		}

		res := &RecoveryResult{Collateral: cloneInt(pos.Collateral), Proceeds: proceeds}
		res.Bounty = bps(proceeds, l.params.RecoveryBountyBps)
		if res.Bounty.Sign() > 0 {
			if err := l.bank.Transfer(ctx.pool.Quote, l.address, caller, res.Bounty); err != nil {
				return err
			}
		}
		rest := new(big.Int).Sub(proceeds, res.Bounty)
		debt := pos.Debt()
		res.Repaid = minInt(rest, debt)
		if res.Repaid.Sign() > 0 {
			if err := l.liquidity.Repay(l.address, res.Repaid); err != nil {
				return err
			}
		}
		res.Shortfall = new(big.Int).Sub(debt, res.Repaid)
		if res.Shortfall.Sign() > 0 {
			if err := l.liquidity.Forgive(l.address, res.Shortfall); err != nil {
				return err
			}
		}
		res.Refund = new(big.Int).Sub(rest, res.Repaid)
		if res.Refund.Sign() > 0 {
			if err := l.bank.Transfer(ctx.pool.Quote, l.address, account, res.Refund); err != nil {
				return err
			}
		}
		result = res
		return l.state.KVDelete(l.positionKey(account))
	})
	if err != nil {
		return nil, err
	}
	l.emitter.Emit(events.PositionRecovered{
		PoolID:     l.pool.PoolID(),
		Account:    account,
		Caller:     caller,
		Collateral: result.Collateral,
		Proceeds:   result.Proceeds,
		Bounty:     result.Bounty,
		Repaid:     result.Repaid,
		Shortfall:  result.Shortfall,
		Refund:     result.Refund,
	})
	return result, nil
}

// Position returns account's position as of the current block time without
// persisting accrued interest.
func (l *Ledger) Position(account crypto.Address) (*PositionView, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	ctx, err := l.load()
	if err != nil {
		return nil, err
	}
	pos, err := l.mustPosition(account, ctx.index)
	if err != nil {
		return nil, err
	}
	pMin, err := l.pool.PMin()
	if err != nil {
		return nil, err
	}
	capacity := floor.Value(pos.Collateral, pMin)
	capacity.Sub(capacity, pos.Principal)
	if capacity.Sign() < 0 {
		capacity.SetInt64(0)
	}
	view := &PositionView{
		Account:        account,
		Collateral:     cloneInt(pos.Collateral),
		Principal:      cloneInt(pos.Principal),
		Interest:       cloneInt(pos.Interest),
		Debt:           pos.Debt(),
		Healthy:        healthy(pos, ctx.pool),
		LastHealthy:    pos.LastHealthy,
		MarkedAt:       pos.MarkedAt,
		BorrowFloor:    cloneInt(pos.BorrowFloor),
		BorrowCapacity: capacity,
	}
	if view.Healthy {
		// A healthy observation would clear the mark.
		view.MarkedAt = 0
	}
	if view.MarkedAt != 0 {
		view.RecoverableAt = view.MarkedAt + l.params.GracePeriod
		view.Recoverable = l.now >= view.RecoverableAt
	}
	return view, nil
}

// IsHealthy reports whether account's debt is covered by its collateral at
// the spot price.
func (l *Ledger) IsHealthy(account crypto.Address) (bool, error) {
	view, err := l.Position(account)
	if err != nil {
		return false, err
	}
	return view.Healthy, nil
}

// Accounts lists the accounts holding an open position.
func (l *Ledger) Accounts() ([]crypto.Address, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	raw, err := l.state.KVGetList(l.accountsKey())
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(raw))
	for _, entry := range raw {
		addr, err := crypto.BytesToAddress(entry)
		if err != nil {
			return nil, err
		}
		if _, ok, err := l.loadPosition(addr); err != nil {
			return nil, err
		} else if ok {
			out = append(out, addr)
		}
	}
	return out, nil
}
