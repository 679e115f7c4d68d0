// Package market keeps the set of pools served by one daemon. It seeds each
// pool, binds its harvester and opens the collateral ledger that borrows from
// the shared liquidity pool.
package market

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"floorlend/core/events"
	"floorlend/crypto"
	"floorlend/native/amm"
	nativecommon "floorlend/native/common"
	"floorlend/native/harvest"
	"floorlend/native/lending"
)

const moduleName = "market"

type registryState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte) ([][]byte, error)
	Atomic(fn func() error) error
}

type tokenLedger interface {
	Register(symbol, name string, decimals uint8) error
	Mint(symbol string, to crypto.Address, amount *big.Int) error
	Seal(symbol string) error
	Burn(symbol string, from crypto.Address, amount *big.Int) error
	Transfer(symbol string, from, to crypto.Address, amount *big.Int) error
	TotalSupply(symbol string) (*big.Int, error)
}

// Registry owns the engines of every pool and the shared liquidity pool.
// It is not safe for concurrent use; callers serialise transactions.
type Registry struct {
	state     registryState
	bank      tokenLedger
	opts      Options
	liquidity *lending.Engine
	markets   map[string]*Market
	order     []string
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	now       uint64
}

// NewRegistry validates opts and wires the shared liquidity pool.
func NewRegistry(state registryState, bank tokenLedger, opts Options) (*Registry, error) {
	if state == nil || bank == nil {
		return nil, errNilState
	}
	opts.Quote = strings.ToUpper(strings.TrimSpace(opts.Quote))
	if opts.Quote == "" {
		return nil, fmt.Errorf("%w: quote asset required", ErrInvalidOptions)
	}
	if opts.InterestModel == nil {
		opts.InterestModel = lending.DefaultInterestModel.Clone()
	}
	if err := opts.InterestModel.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if opts.ReserveFactorBps > 10_000 {
		return nil, fmt.Errorf("%w: reserve factor %d bps", ErrInvalidOptions, opts.ReserveFactorBps)
	}
	if opts.Ledger == (lending.Params{}) {
		opts.Ledger = lending.DefaultParams()
	}
	if opts.Ledger.RecoveryBountyBps >= 10_000 {
		return nil, fmt.Errorf("%w: recovery bounty %d bps", ErrInvalidOptions, opts.Ledger.RecoveryBountyBps)
	}
	if opts.MaxHarvestBps == 0 {
		opts.MaxHarvestBps = amm.DefaultMaxHarvestBps
	}

	liquidity := lending.NewEngine(opts.Quote)
	liquidity.SetState(state)
	liquidity.SetBank(bank)
	liquidity.SetInterestModel(opts.InterestModel)
	liquidity.SetReserveFactor(opts.ReserveFactorBps)
	return &Registry{
		state:     state,
		bank:      bank,
		opts:      opts,
		liquidity: liquidity,
		markets:   make(map[string]*Market),
		emitter:   events.NoopEmitter{},
	}, nil
}

// SetEmitter configures the emitter of the registry and every engine it
// owns.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
	r.liquidity.SetEmitter(emitter)
	for _, m := range r.markets {
		r.configure(m)
	}
}

func (r *Registry) SetPauses(p nativecommon.PauseView) {
	r.pauses = p
	r.liquidity.SetPauses(p)
	for _, m := range r.markets {
		r.configure(m)
	}
}

// SetBlockTime propagates the sequencer time to every time-aware engine.
func (r *Registry) SetBlockTime(ts uint64) {
	r.now = ts
	r.liquidity.SetBlockTime(ts)
	for _, m := range r.markets {
		if m.Ledger != nil {
			m.Ledger.SetBlockTime(ts)
		}
	}
}

func (r *Registry) BlockTime() uint64 { return r.now }

func (r *Registry) Quote() string { return r.opts.Quote }

func (r *Registry) Options() Options { return r.opts }

// Liquidity returns the shared liquidity pool.
func (r *Registry) Liquidity() *lending.Engine { return r.liquidity }

// IsModuleAccount reports whether addr belongs to an engine rather than to a
// key holder: the liquidity pool, the burn sink, or any market's pool,
// harvester or collateral ledger.
func (r *Registry) IsModuleAccount(addr crypto.Address) bool {
	if addr == amm.BurnSink || (r.liquidity != nil && addr == r.liquidity.Address()) {
		return true
	}
	for _, m := range r.markets {
		if addr == m.Pool.Address() || addr == m.Harvester.Address() {
			return true
		}
		if m.Ledger != nil && addr == m.Ledger.Address() {
			return true
		}
	}
	return false
}

func poolIndexKey() []byte { return []byte("market/pools") }

func poolRecordKey(id string) []byte { return []byte("market/pool/" + id) }

// NormalizePoolID lower-cases id and checks it only holds [a-z0-9_-].
func NormalizePoolID(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if normalized == "" || len(normalized) > 32 {
		return "", ErrInvalidPoolID
	}
	for _, c := range normalized {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidPoolID, id)
		}
	}
	return normalized, nil
}

// Get returns the market serving id.
func (r *Registry) Get(id string) (*Market, error) {
	normalized, err := NormalizePoolID(id)
	if err != nil {
		return nil, err
	}
	m, ok := r.markets[normalized]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, normalized)
	}
	return m, nil
}

// Markets returns every market in creation order.
func (r *Registry) Markets() []*Market {
	out := make([]*Market, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.markets[id])
	}
	return out
}

func (r *Registry) configure(m *Market) {
	m.Pool.SetEmitter(r.emitter)
	m.Pool.SetPauses(r.pauses)
	m.Harvester.SetEmitter(r.emitter)
	m.Harvester.SetPauses(r.pauses)
	if m.Ledger != nil {
		m.Ledger.SetEmitter(r.emitter)
		m.Ledger.SetPauses(r.pauses)
		m.Ledger.SetBlockTime(r.now)
	}
}

// build wires the engines for record without touching state.
func (r *Registry) build(record PoolRecord) (*Market, error) {
	pool := amm.NewEngine(record.ID)
	pool.SetState(r.state)
	pool.SetBank(r.bank)
	h := harvest.New(pool, record.Treasury)
	h.SetState(r.state)
	h.SetBank(r.bank)
	m := &Market{Record: record, Pool: pool, Harvester: h}
	if record.Lending {
		ledger, err := lending.NewLedger(pool, r.liquidity, r.opts.Ledger)
		if err != nil {
			return nil, err
		}
		ledger.SetState(r.state)
		ledger.SetBank(r.bank)
		m.Ledger = ledger
	}
	r.configure(m)
	return m, nil
}

func (r *Registry) add(m *Market) {
	if _, ok := r.markets[m.Record.ID]; !ok {
		r.order = append(r.order, m.Record.ID)
	}
	r.markets[m.Record.ID] = m
}

// Load rebuilds every persisted market. It replaces whatever the registry
// held before.
func (r *Registry) Load() error {
	ids, err := r.state.KVGetList(poolIndexKey())
	if err != nil {
		return err
	}
	r.markets = make(map[string]*Market, len(ids))
	r.order = nil
	for _, raw := range ids {
		record := new(PoolRecord)
		ok, err := r.state.KVGet(poolRecordKey(string(raw)), record)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: index lists %s without a record", ErrUnknownPool, raw)
		}
		m, err := r.build(*record)
		if err != nil {
			return err
		}
		r.add(m)
	}
	return nil
}

// CreatePool seeds a pool from funder's balances, binds its harvester to
// the genesis liquidity and persists the pool.
func (r *Registry) CreatePool(funder crypto.Address, params PoolParams) (*Market, error) {
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	var m *Market
	err := r.state.Atomic(func() error {
		var err error
		m, err = r.createPool(funder, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.add(m)
	r.emitPoolCreated(m)
	return m, nil
}

func (r *Registry) createPool(funder crypto.Address, params PoolParams) (*Market, error) {
	id, err := NormalizePoolID(params.ID)
	if err != nil {
		return nil, err
	}
	if _, ok := r.markets[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, id)
	}
	if exists, err := r.state.KVGet(poolRecordKey(id), nil); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, id)
	}
	if params.Treasury.IsZero() {
		return nil, fmt.Errorf("%w: treasury required", ErrInvalidOptions)
	}
	record := PoolRecord{
		ID:       id,
		Token:    strings.ToUpper(strings.TrimSpace(params.Token)),
		Quote:    r.opts.Quote,
		Treasury: params.Treasury,
	}
	m, err := r.build(record)
	if err != nil {
		return nil, err
	}
	maxHarvest := params.MaxHarvestBps
	if maxHarvest == 0 {
		maxHarvest = r.opts.MaxHarvestBps
	}
	principal, err := m.Pool.Seed(funder, amm.SeedParams{
		Token:             record.Token,
		Quote:             record.Quote,
		Harvester:         m.Harvester.Address(),
		TokenAmount:       params.TokenAmount,
		QuoteAmount:       params.QuoteAmount,
		StartFeeBps:       params.StartFeeBps,
		EndFeeBps:         params.EndFeeBps,
		DecayTargetBurned: params.DecayTargetBurned,
		MaxHarvestBps:     maxHarvest,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Harvester.RecordPrincipal(principal); err != nil {
		return nil, err
	}
	if err := r.state.KVPut(poolRecordKey(id), record); err != nil {
		return nil, err
	}
	if err := r.state.KVAppend(poolIndexKey(), []byte(id)); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateLendingMarket opens a collateral ledger for poolID and authorises it
// to borrow from the liquidity pool.
func (r *Registry) CreateLendingMarket(poolID string) (*Market, error) {
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	existing, err := r.Get(poolID)
	if err != nil {
		return nil, err
	}
	var m *Market
	err = r.state.Atomic(func() error {
		var err error
		m, err = r.openLending(existing)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.add(m)
	r.emitter.Emit(events.MarketLendingOpened{PoolID: m.Record.ID, Ledger: m.Ledger.Address()})
	return m, nil
}

func (r *Registry) openLending(existing *Market) (*Market, error) {
	if existing.Record.Lending {
		return nil, fmt.Errorf("%w: %s", ErrLendingExists, existing.Record.ID)
	}
	record := existing.Record
	record.Lending = true
	m, err := r.build(record)
	if err != nil {
		return nil, err
	}
	if err := r.liquidity.Authorize(m.Ledger.Address()); err != nil {
		return nil, err
	}
	if err := r.state.KVPut(poolRecordKey(record.ID), record); err != nil {
		return nil, err
	}
	return m, nil
}

// LaunchToken registers, mints and seals a collateral token, then creates
// its pool and lending market in one atomic unit.
func (r *Registry) LaunchToken(funder crypto.Address, params LaunchParams) (*Market, error) {
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if params.Supply == nil || params.Supply.Sign() <= 0 {
		return nil, fmt.Errorf("%w: supply must be positive", ErrInvalidOptions)
	}
	if symbol == r.opts.Quote {
		return nil, fmt.Errorf("%w: token cannot be the quote asset", ErrInvalidOptions)
	}
	var m *Market
	err := r.state.Atomic(func() error {
		if err := r.bank.Register(symbol, params.Name, params.Decimals); err != nil {
			return err
		}
		if err := r.bank.Mint(symbol, funder, params.Supply); err != nil {
			return err
		}
		if err := r.bank.Seal(symbol); err != nil {
			return err
		}
		poolParams := params.Pool
		poolParams.Token = symbol
		created, err := r.createPool(funder, poolParams)
		if err != nil {
			return err
		}
		m, err = r.openLending(created)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.add(m)
	r.emitPoolCreated(m)
	r.emitter.Emit(events.MarketLendingOpened{PoolID: m.Record.ID, Ledger: m.Ledger.Address()})
	return m, nil
}

func (r *Registry) emitPoolCreated(m *Market) {
	r.emitter.Emit(events.MarketPoolCreated{
		PoolID:    m.Record.ID,
		Token:     m.Record.Token,
		Quote:     m.Record.Quote,
		Pool:      m.Pool.Address(),
		Harvester: m.Harvester.Address(),
		Treasury:  m.Record.Treasury,
	})
}

// Ledger returns the collateral ledger of poolID.
func (r *Registry) Ledger(poolID string) (*lending.Ledger, error) {
	m, err := r.Get(poolID)
	if err != nil {
		return nil, err
	}
	if m.Ledger == nil {
		return nil, fmt.Errorf("%w: %s", ErrLendingDisabled, m.Record.ID)
	}
	return m.Ledger, nil
}

// Harvest runs the harvester of poolID on behalf of caller.
func (r *Registry) Harvest(poolID string, caller crypto.Address) (*harvest.Result, error) {
	m, err := r.Get(poolID)
	if err != nil {
		return nil, err
	}
	return m.Harvester.Harvest(caller)
}

// IsNotFound reports whether err means a pool or position does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownPool) || errors.Is(err, lending.ErrNoPosition)
}
