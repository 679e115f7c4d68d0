package bank

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"floorlend/core/events"
	floorstate "floorlend/core/state"
	"floorlend/crypto"
)

type ledgerState interface {
	RegisterToken(symbol, name string, decimals uint8) error
	Token(symbol string) (*floorstate.TokenMetadata, error)
	SetTokenMintPaused(symbol string, paused bool) error
	Balance(addr []byte, symbol string) (*big.Int, error)
	SetBalance(addr []byte, symbol string, amount *big.Int) error
	TokenSupply(symbol string) (*big.Int, error)
	AdjustTokenSupply(symbol string, delta *big.Int) (*big.Int, error)
}

// Ledger moves fungible token balances and tracks total supply. Minting is
// open until a token is sealed; afterwards supply can only shrink.
type Ledger struct {
	state   ledgerState
	emitter events.Emitter
}

func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state, emitter: events.NoopEmitter{}}
}

func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// AssetAddress is the address a token is identified by. Nothing holds a key
// for it, so it doubles as a sink that engines refuse to pay.
func AssetAddress(symbol string) crypto.Address {
	return crypto.DeriveModuleAddress("token/" + floorstate.NormalizeSymbol(symbol))
}

func (l *Ledger) Register(symbol, name string, decimals uint8) error {
	return l.state.RegisterToken(symbol, name, decimals)
}

func (l *Ledger) metadata(symbol string) (*floorstate.TokenMetadata, error) {
	meta, err := l.state.Token(symbol)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, floorstate.NormalizeSymbol(symbol))
	}
	return meta, nil
}

// Sealed reports whether the mint path of a token has been closed.
func (l *Ledger) Sealed(symbol string) (bool, error) {
	meta, err := l.metadata(symbol)
	if err != nil {
		return false, err
	}
	return meta.MintPaused, nil
}

// Seal permanently closes minting for symbol.
func (l *Ledger) Seal(symbol string) error {
	if _, err := l.metadata(symbol); err != nil {
		return err
	}
	return l.state.SetTokenMintPaused(symbol, true)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return ErrAmountOutOfRange
	}
	return nil
}

func (l *Ledger) Mint(symbol string, to crypto.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	meta, err := l.metadata(symbol)
	if err != nil {
		return err
	}
	if meta.MintPaused {
		return fmt.Errorf("%w: %s", ErrMintSealed, meta.Symbol)
	}
	if amount.Sign() == 0 {
		return nil
	}
	supply, err := l.state.TokenSupply(meta.Symbol)
	if err != nil {
		return err
	}
	if err := checkAmount(new(big.Int).Add(supply, amount)); err != nil {
		return err
	}
	balance, err := l.state.Balance(to.Bytes(), meta.Symbol)
	if err != nil {
		return err
	}
	if err := l.state.SetBalance(to.Bytes(), meta.Symbol, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	total, err := l.state.AdjustTokenSupply(meta.Symbol, amount)
	if err != nil {
		return err
	}
	l.emitter.Emit(events.TokenSupply{Token: meta.Symbol, Total: total, Delta: new(big.Int).Set(amount), Reason: events.SupplyReasonMint})
	return nil
}

func (l *Ledger) debit(symbol string, from crypto.Address, amount *big.Int) error {
	balance, err := l.state.Balance(from.Bytes(), symbol)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from, balance, symbol, amount)
	}
	return l.state.SetBalance(from.Bytes(), symbol, new(big.Int).Sub(balance, amount))
}

// Burn destroys amount from the holder and shrinks total supply.
func (l *Ledger) Burn(symbol string, from crypto.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	meta, err := l.metadata(symbol)
	if err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := l.debit(meta.Symbol, from, amount); err != nil {
		return err
	}
	total, err := l.state.AdjustTokenSupply(meta.Symbol, new(big.Int).Neg(amount))
	if err != nil {
		return err
	}
	l.emitter.Emit(events.TokenSupply{Token: meta.Symbol, Total: total, Delta: new(big.Int).Neg(amount), Reason: events.SupplyReasonBurn})
	return nil
}

func (l *Ledger) Transfer(symbol string, from, to crypto.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	meta, err := l.metadata(symbol)
	if err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := l.debit(meta.Symbol, from, amount); err != nil {
		return err
	}
	balance, err := l.state.Balance(to.Bytes(), meta.Symbol)
	if err != nil {
		return err
	}
	if err := l.state.SetBalance(to.Bytes(), meta.Symbol, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenTransfer{Token: meta.Symbol, From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

func (l *Ledger) BalanceOf(symbol string, addr crypto.Address) (*big.Int, error) {
	if _, err := l.metadata(symbol); err != nil {
		return nil, err
	}
	return l.state.Balance(addr.Bytes(), symbol)
}

func (l *Ledger) TotalSupply(symbol string) (*big.Int, error) {
	if _, err := l.metadata(symbol); err != nil {
		return nil, err
	}
	return l.state.TokenSupply(symbol)
}
