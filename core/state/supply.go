package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

var tokenSupplyPrefix = []byte("supply:")

func tokenSupplyKey(symbol string) []byte {
	key := make([]byte, len(tokenSupplyPrefix)+len(symbol))
	copy(key, tokenSupplyPrefix)
	copy(key[len(tokenSupplyPrefix):], symbol)
	return kvKey(key)
}

// TokenSupply returns the total supply recorded for symbol. Tokens that never
// minted report zero.
func (m *Manager) TokenSupply(symbol string) (*big.Int, error) {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return nil, fmt.Errorf("token symbol must not be empty")
	}
	data, err := m.get(tokenSupplyKey(normalized))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	total := new(big.Int)
	if err := rlp.DecodeBytes(data, total); err != nil {
		return nil, err
	}
	return total, nil
}

// AdjustTokenSupply adds delta to the recorded supply and returns the new
// total. The supply never goes below zero.
func (m *Manager) AdjustTokenSupply(symbol string, delta *big.Int) (*big.Int, error) {
	normalized := NormalizeSymbol(symbol)
	current, err := m.TokenSupply(normalized)
	if err != nil {
		return nil, err
	}
	if delta == nil {
		return current, nil
	}
	updated := new(big.Int).Add(current, delta)
	if updated.Sign() < 0 {
		return nil, fmt.Errorf("token %s supply underflow", normalized)
	}
	encoded, err := rlp.EncodeToBytes(updated)
	if err != nil {
		return nil, err
	}
	if err := m.put(tokenSupplyKey(normalized), encoded); err != nil {
		return nil, err
	}
	return updated, nil
}
