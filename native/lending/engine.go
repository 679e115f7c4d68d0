package lending

import (
	"errors"
	"math/big"
	"strings"

	"floorlend/core/events"
	"floorlend/crypto"
	nativecommon "floorlend/native/common"
)

var (
	errNilState = errors.New("lending engine: state not configured")

	ErrInvalidAmount         = errors.New("lending engine: amount must be positive")
	ErrInsufficientShares    = errors.New("lending engine: insufficient shares")
	ErrInsufficientLiquidity = errors.New("lending engine: insufficient liquidity")
	ErrUnauthorizedBorrower  = errors.New("lending engine: caller is not an authorised borrower")
	ErrMarketInsolvent       = errors.New("lending engine: market has shares but no assets")
	ErrAssetMismatch         = errors.New("lending engine: asset mismatch")
)

const moduleName = "lending"

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	Atomic(fn func() error) error
}

type tokenLedger interface {
	Transfer(symbol string, from, to crypto.Address, amount *big.Int) error
}

// Engine is the shared liquidity pool. Depositors receive shares of total
// assets; authorised collateral ledgers borrow against it and pay interest
// on a kinked utilisation curve.
type Engine struct {
	asset            string
	moduleAddress    crypto.Address
	state            engineState
	bank             tokenLedger
	interestModel    *InterestModel
	reserveFactorBps uint64
	blockTime        uint64
	emitter          events.Emitter
	pauses           nativecommon.PauseView
	guard            nativecommon.ReentrancyGuard
}

// ModuleAddress is the custody account of the liquidity pool for asset.
func ModuleAddress(asset string) crypto.Address {
	return crypto.DeriveModuleAddress("lending/pool/" + strings.ToUpper(strings.TrimSpace(asset)))
}

// NewEngine constructs the liquidity pool lending asset.
func NewEngine(asset string) *Engine {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	return &Engine{
		asset:         symbol,
		moduleAddress: ModuleAddress(symbol),
		interestModel: DefaultInterestModel.Clone(),
		emitter:       events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetBank(ledger tokenLedger) { e.bank = ledger }

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetInterestModel configures the interest rate model used by the engine.
func (e *Engine) SetInterestModel(model *InterestModel) {
	if model != nil {
		e.interestModel = model.Clone()
	} else {
		e.interestModel = nil
	}
}

// SetReserveFactor wires the reserve factor basis points used when accruing interest.
func (e *Engine) SetReserveFactor(bps uint64) {
	if bps > 10_000 {
		bps = 10_000
	}
	e.reserveFactorBps = bps
}

// SetBlockTime records the sequencer time used when computing accrual deltas.
func (e *Engine) SetBlockTime(ts uint64) { e.blockTime = ts }

func (e *Engine) Asset() string { return e.asset }

func (e *Engine) Address() crypto.Address { return e.moduleAddress }

func (e *Engine) marketKey() []byte {
	return []byte("lending/market/" + e.asset)
}

func (e *Engine) sharesKey(owner crypto.Address) []byte {
	return append([]byte("lending/shares/"+e.asset+"/"), owner[:]...)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.bank == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) mutate(op string, fn func(market *Market) error) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	var accrued *big.Int
	var snapshot *Market
	err := e.guard.Run(op, func() error {
		return e.state.Atomic(func() error {
			market, err := e.loadMarket()
			if err != nil {
				return err
			}
			accrued = e.accrue(market)
			if err := fn(market); err != nil {
				return err
			}
			snapshot = market.Clone()
			return e.state.KVPut(e.marketKey(), market)
		})
	})
	if err != nil {
		return err
	}
	if accrued.Sign() > 0 {
		e.emitter.Emit(events.LendingAccrued{
			Interest:    accrued,
			Reserves:    snapshot.Reserves,
			BorrowIndex: snapshot.BorrowIndex,
			Timestamp:   snapshot.LastAccrual,
		})
	}
	return nil
}

func (e *Engine) loadMarket() (*Market, error) {
	market := new(Market)
	ok, err := e.state.KVGet(e.marketKey(), market)
	if err != nil {
		return nil, err
	}
	if !ok {
		market = &Market{Asset: e.asset, LastAccrual: e.blockTime}
	}
	market.ensureDefaults()
	return market, nil
}

func (e *Engine) shares(owner crypto.Address) (*big.Int, error) {
	shares := new(big.Int)
	ok, err := e.state.KVGet(e.sharesKey(owner), shares)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return shares, nil
}

func (e *Engine) setShares(owner crypto.Address, shares *big.Int) error {
	if shares.Sign() == 0 {
		return e.state.KVDelete(e.sharesKey(owner))
	}
	return e.state.KVPut(e.sharesKey(owner), shares)
}

// accrue moves the market to the current block time. Interest grows the
// borrow index and total borrows; the reserve factor share goes to reserves.
func (e *Engine) accrue(market *Market) *big.Int {
	interest := big.NewInt(0)
	if e.blockTime <= market.LastAccrual {
		return interest
	}
	delta := e.blockTime - market.LastAccrual
	market.LastAccrual = e.blockTime
	if e.interestModel == nil || market.TotalBorrows.Sign() == 0 {
		return interest
	}
	apr := e.interestModel.BorrowAPR(market.TotalBorrows, market.TotalAssets())
	if apr.Sign() == 0 {
		return interest
	}
	previous := market.BorrowIndex
	market.BorrowIndex = rayMul(previous, rateFactor(apr, delta))
	grown := growDebt(market.TotalBorrows, previous, market.BorrowIndex)
	interest.Sub(grown, market.TotalBorrows)
	market.TotalBorrows = grown
	market.Reserves = new(big.Int).Add(market.Reserves, bps(interest, e.reserveFactorBps))
	return interest
}

// AccrueInterest brings the market up to the current block time.
func (e *Engine) AccrueInterest() error {
	return e.mutate("accrue", func(*Market) error { return nil })
}

// Authorize allows borrower to draw funds. It is called by the registry when
// a collateral ledger is created.
func (e *Engine) Authorize(borrower crypto.Address) error {
	return e.mutate("authorize", func(market *Market) error {
		if borrower.IsZero() {
			return ErrUnauthorizedBorrower
		}
		if !market.isBorrower(borrower) {
			market.Borrowers = append(market.Borrowers, borrower)
		}
		return nil
	})
}

// Deposit moves amount from from into the pool and credits beneficiary with
// shares of total assets. The minted shares are returned.
func (e *Engine) Deposit(from crypto.Address, amount *big.Int, beneficiary crypto.Address) (*big.Int, error) {
	var minted *big.Int
	err := e.mutate("deposit", func(market *Market) error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if beneficiary.IsZero() {
			beneficiary = from
		}
		assets := market.TotalAssets()
		switch {
		case market.TotalShares.Sign() == 0:
			minted = new(big.Int).Set(amount)
		case assets.Sign() == 0:
			return ErrMarketInsolvent
		default:
			minted = new(big.Int).Mul(amount, market.TotalShares)
			minted.Quo(minted, assets)
		}
		if minted.Sign() == 0 {
			return ErrInvalidAmount
		}
		if err := e.bank.Transfer(e.asset, from, e.moduleAddress, amount); err != nil {
			return err
		}
		held, err := e.shares(beneficiary)
		if err != nil {
			return err
		}
		if err := e.setShares(beneficiary, held.Add(held, minted)); err != nil {
			return err
		}
		market.Cash.Add(market.Cash, amount)
		market.TotalShares.Add(market.TotalShares, minted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingSupplied{Provider: from, Beneficiary: beneficiary, Amount: cloneInt(amount), Shares: cloneInt(minted)})
	return minted, nil
}

// Withdraw burns shares held by owner and pays out their value, bounded by
// the cash not lent out.
func (e *Engine) Withdraw(owner crypto.Address, shares *big.Int) (*big.Int, error) {
	var amount *big.Int
	err := e.mutate("withdraw", func(market *Market) error {
		if shares == nil || shares.Sign() <= 0 {
			return ErrInvalidAmount
		}
		held, err := e.shares(owner)
		if err != nil {
			return err
		}
		if held.Cmp(shares) < 0 {
			return ErrInsufficientShares
		}
		amount = new(big.Int).Mul(shares, market.TotalAssets())
		amount.Quo(amount, market.TotalShares)
		if amount.Cmp(market.Available()) > 0 {
			return ErrInsufficientLiquidity
		}
		if err := e.setShares(owner, held.Sub(held, shares)); err != nil {
			return err
		}
		market.TotalShares.Sub(market.TotalShares, shares)
		market.Cash.Sub(market.Cash, amount)
		if amount.Sign() == 0 {
			return nil
		}
		return e.bank.Transfer(e.asset, e.moduleAddress, owner, amount)
	})
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LendingRedeemed{Owner: owner, Shares: cloneInt(shares), Amount: cloneInt(amount)})
	return amount, nil
}

// Borrow sends amount to an authorised caller and records the debt.
func (e *Engine) Borrow(caller crypto.Address, amount *big.Int) error {
	return e.mutate("borrow", func(market *Market) error {
		if !market.isBorrower(caller) {
			return ErrUnauthorizedBorrower
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if amount.Cmp(market.Available()) > 0 {
			return ErrInsufficientLiquidity
		}
		if err := e.bank.Transfer(e.asset, e.moduleAddress, caller, amount); err != nil {
			return err
		}
		market.Cash.Sub(market.Cash, amount)
		market.TotalBorrows.Add(market.TotalBorrows, amount)
		return nil
	})
}

// Repay pulls amount from an authorised caller against outstanding debt.
func (e *Engine) Repay(caller crypto.Address, amount *big.Int) error {
	return e.mutate("repay", func(market *Market) error {
		if !market.isBorrower(caller) {
			return ErrUnauthorizedBorrower
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if err := e.bank.Transfer(e.asset, caller, e.moduleAddress, amount); err != nil {
			return err
		}
		market.Cash.Add(market.Cash, amount)
		market.TotalBorrows.Sub(market.TotalBorrows, minInt(amount, market.TotalBorrows))
		return nil
	})
}

// Forgive writes off debt a borrower cannot repay. The loss lowers total
// assets and so the value of every share.
func (e *Engine) Forgive(caller crypto.Address, amount *big.Int) error {
	var written *big.Int
	err := e.mutate("forgive", func(market *Market) error {
		if !market.isBorrower(caller) {
			return ErrUnauthorizedBorrower
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		written = minInt(amount, market.TotalBorrows)
		market.TotalBorrows.Sub(market.TotalBorrows, written)
		market.BadDebt.Add(market.BadDebt, written)
		return nil
	})
	if err != nil {
		return err
	}
	e.emitter.Emit(events.LendingLossForgiven{Borrower: caller, Amount: written})
	return nil
}

// Market returns the market as it would be after accruing to the current
// block time, without persisting anything.
func (e *Engine) Market() (*Market, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	market, err := e.loadMarket()
	if err != nil {
		return nil, err
	}
	e.accrue(market)
	return market, nil
}

func (e *Engine) TotalAssets() (*big.Int, error) {
	market, err := e.Market()
	if err != nil {
		return nil, err
	}
	return market.TotalAssets(), nil
}

func (e *Engine) TotalBorrows() (*big.Int, error) {
	market, err := e.Market()
	if err != nil {
		return nil, err
	}
	return market.TotalBorrows, nil
}

// BorrowIndex returns the borrow index projected to the current block time.
func (e *Engine) BorrowIndex() (*big.Int, error) {
	market, err := e.Market()
	if err != nil {
		return nil, err
	}
	return market.BorrowIndex, nil
}

// BorrowRate returns the current borrow APR.
func (e *Engine) BorrowRate() (*big.Rat, error) {
	market, err := e.Market()
	if err != nil {
		return nil, err
	}
	return e.interestModel.BorrowAPR(market.TotalBorrows, market.TotalAssets()), nil
}

// SupplyRate returns the current APY earned by depositors.
func (e *Engine) SupplyRate() (*big.Rat, error) {
	market, err := e.Market()
	if err != nil {
		return nil, err
	}
	return e.interestModel.SupplyAPY(market.TotalBorrows, market.TotalAssets(), e.reserveFactorBps), nil
}

// SharesOf returns the shares held by owner.
func (e *Engine) SharesOf(owner crypto.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.shares(owner)
}
