package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"floorlend/core/events"
	"floorlend/storage"
)

var errNoLayer = errors.New("state: no open layer")

// Manager reads and writes RLP encoded state on top of a key/value store.
// Writes made between Begin and Commit are buffered in a layer so a failed
// execution unit can be discarded without touching the database. Layers nest;
// committing the outermost layer flushes it as a single batch.
//
// Manager is also an events.Emitter. Events emitted while a layer is open
// share the layer's fate: they reach the sink only when the outermost layer
// commits and are dropped with any layer that rolls back.
//
// Manager is not safe for concurrent use. Callers serialise access.
type Manager struct {
	db     storage.Database
	layers []*layer
	sink   events.Emitter
}

type layer struct {
	writes map[string]entry
	events []events.Event
}

type entry struct {
	value   []byte
	deleted bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, sink: events.NoopEmitter{}}
}

// SetEventSink configures where committed events are delivered.
func (m *Manager) SetEventSink(sink events.Emitter) {
	if sink == nil {
		sink = events.NoopEmitter{}
	}
	m.sink = sink
}

// Emit buffers evt in the innermost layer, or delivers it straight to the
// sink when no layer is open.
func (m *Manager) Emit(evt events.Event) {
	if len(m.layers) == 0 {
		m.sink.Emit(evt)
		return
	}
	top := m.layers[len(m.layers)-1]
	top.events = append(top.events, evt)
}

type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
	// MintPaused permanently closes the mint path once set.
	MintPaused bool
}

var (
	tokenPrefix   = []byte("token:")
	tokenListKey  = ethcrypto.Keccak256([]byte("token-list"))
	balancePrefix = []byte("balance:")
)

func tokenMetadataKey(symbol string) []byte {
	buf := make([]byte, len(tokenPrefix)+len(symbol))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], symbol)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(addr []byte, symbol string) []byte {
	buf := make([]byte, len(balancePrefix)+len(symbol)+1+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], symbol)
	buf[len(balancePrefix)+len(symbol)] = ':'
	copy(buf[len(balancePrefix)+len(symbol)+1:], addr)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// Begin opens a new write layer on top of any open layers.
func (m *Manager) Begin() {
	m.layers = append(m.layers, &layer{writes: make(map[string]entry)})
}

// Depth reports how many layers are open.
func (m *Manager) Depth() int {
	return len(m.layers)
}

// Rollback discards the innermost layer and the events emitted in it.
func (m *Manager) Rollback() error {
	if len(m.layers) == 0 {
		return errNoLayer
	}
	m.layers = m.layers[:len(m.layers)-1]
	return nil
}

// Commit merges the innermost layer into its parent, or into the database
// when it is the outermost layer. Buffered events follow the writes and are
// delivered once the database write succeeds.
func (m *Manager) Commit() error {
	if len(m.layers) == 0 {
		return errNoLayer
	}
	top := m.layers[len(m.layers)-1]
	m.layers = m.layers[:len(m.layers)-1]
	if len(m.layers) > 0 {
		parent := m.layers[len(m.layers)-1]
		for k, v := range top.writes {
			parent.writes[k] = v
		}
		parent.events = append(parent.events, top.events...)
		return nil
	}
	keys := make([]string, 0, len(top.writes))
	for k := range top.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := new(storage.Batch)
	for _, k := range keys {
		e := top.writes[k]
		if e.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), e.value)
	}
	if err := m.db.Write(batch); err != nil {
		return err
	}
	for _, evt := range top.events {
		m.sink.Emit(evt)
	}
	return nil
}

// Atomic runs fn inside a fresh layer. The layer is committed when fn
// returns nil and discarded otherwise, including when fn panics.
func (m *Manager) Atomic(fn func() error) (err error) {
	m.Begin()
	depth := len(m.layers)
	defer func() {
		if r := recover(); r != nil {
			m.layers = m.layers[:depth-1]
			panic(r)
		}
	}()
	if err = fn(); err != nil {
		m.layers = m.layers[:depth-1]
		return err
	}
	return m.Commit()
}

func (m *Manager) get(key []byte) ([]byte, error) {
	for i := len(m.layers) - 1; i >= 0; i-- {
		if e, ok := m.layers[i].writes[string(key)]; ok {
			if e.deleted {
				return nil, nil
			}
			return e.value, nil
		}
	}
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (m *Manager) put(key, value []byte) error {
	if len(m.layers) == 0 {
		return m.db.Put(key, value)
	}
	m.layers[len(m.layers)-1].writes[string(key)] = entry{value: append([]byte(nil), value...)}
	return nil
}

func (m *Manager) remove(key []byte) error {
	if len(m.layers) == 0 {
		return m.db.Delete(key)
	}
	m.layers[len(m.layers)-1].writes[string(key)] = entry{deleted: true}
	return nil
}

func (m *Manager) loadTokenList() ([]string, error) {
	data, err := m.get(tokenListKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) writeTokenList(list []string) error {
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.put(tokenListKey, encoded)
}

func (m *Manager) loadTokenMetadata(symbol string) (*TokenMetadata, error) {
	data, err := m.get(tokenMetadataKey(symbol))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (m *Manager) writeTokenMetadata(symbol string, meta *TokenMetadata) error {
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return err
	}
	return m.put(tokenMetadataKey(symbol), encoded)
}

// NormalizeSymbol upper-cases and trims a token symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// RegisterToken stores the metadata for a token and records it in the token
// index.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	if existing, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("token %s already registered", normalized)
	}

	list, err := m.loadTokenList()
	if err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := m.writeTokenList(list); err != nil {
		return err
	}
	return m.writeTokenMetadata(normalized, &TokenMetadata{
		Symbol:   normalized,
		Name:     strings.TrimSpace(name),
		Decimals: decimals,
	})
}

// SetTokenMintPaused toggles the mint switch for a registered token.
func (m *Manager) SetTokenMintPaused(symbol string, paused bool) error {
	normalized := NormalizeSymbol(symbol)
	meta, err := m.loadTokenMetadata(normalized)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("token %s not registered", normalized)
	}
	meta.MintPaused = paused
	return m.writeTokenMetadata(normalized, meta)
}

// Token retrieves metadata for a registered token.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	return m.loadTokenMetadata(NormalizeSymbol(symbol))
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.loadTokenList()
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return false
	}
	meta, err := m.loadTokenMetadata(normalized)
	return err == nil && meta != nil
}

// SetBalance stores an account balance for the provided token.
func (m *Manager) SetBalance(addr []byte, symbol string, amount *big.Int) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if meta, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if meta == nil {
		return fmt.Errorf("token %s not registered", normalized)
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.put(balanceKey(addr, normalized), encoded)
}

// Balance retrieves a token balance for the provided account and token.
func (m *Manager) Balance(addr []byte, symbol string) (*big.Int, error) {
	data, err := m.get(balanceKey(addr, NormalizeSymbol(symbol)))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.remove(kvKey(key))
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	var list [][]byte
	if _, err := m.KVGet(key, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if string(existing) == string(value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.KVPut(key, list)
}

// KVGetList retrieves the byte slice list stored under key. Missing keys yield
// an empty list.
func (m *Manager) KVGetList(key []byte) ([][]byte, error) {
	list := [][]byte{}
	if _, err := m.KVGet(key, &list); err != nil {
		return nil, err
	}
	return list, nil
}
