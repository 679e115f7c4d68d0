package state

import (
	"errors"
	"math/big"
	"testing"

	"floorlend/core/events"
	"floorlend/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.MemDB) {
	t.Helper()
	db := storage.NewMemDB()
	return NewManager(db), db
}

func TestRegisterTokenAndBalance(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.RegisterToken(" flr ", "Floor", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.RegisterToken("FLR", "Floor", 18); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	meta, err := m.Token("flr")
	if err != nil || meta == nil {
		t.Fatalf("token lookup: %v %v", meta, err)
	}
	if meta.Symbol != "FLR" || meta.Decimals != 18 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	addr := []byte{0x01, 0x02}
	if err := m.SetBalance(addr, "FLR", big.NewInt(42)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	bal, err := m.Balance(addr, "FLR")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("expected 42, got %s", bal)
	}
	if err := m.SetBalance(addr, "NOPE", big.NewInt(1)); err == nil {
		t.Fatalf("expected unregistered token to fail")
	}
	if err := m.SetBalance(addr, "FLR", big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative balance to fail")
	}
}

func TestAtomicRollbackDiscardsWrites(t *testing.T) {
	m, db := newTestManager(t)
	if err := m.RegisterToken("FLR", "Floor", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := db.Len()
	addr := []byte{0xaa}
	boom := errors.New("boom")
	err := m.Atomic(func() error {
		if err := m.SetBalance(addr, "FLR", big.NewInt(7)); err != nil {
			return err
		}
		if err := m.KVPut([]byte("k"), uint64(9)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if db.Len() != before {
		t.Fatalf("rolled back writes reached the database")
	}
	bal, _ := m.Balance(addr, "FLR")
	if bal.Sign() != 0 {
		t.Fatalf("expected zero balance after rollback, got %s", bal)
	}
	if ok, _ := m.KVGet([]byte("k"), nil); ok {
		t.Fatalf("expected kv write to be discarded")
	}
	if m.Depth() != 0 {
		t.Fatalf("expected no open layers, got %d", m.Depth())
	}
}

func TestNestedAtomicInnerFailureKeepsOuterWrites(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Atomic(func() error {
		if err := m.KVPut([]byte("outer"), uint64(1)); err != nil {
			return err
		}
		inner := m.Atomic(func() error {
			if err := m.KVPut([]byte("inner"), uint64(2)); err != nil {
				return err
			}
			return errors.New("inner failed")
		})
		if inner == nil {
			t.Fatalf("expected inner failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer: %v", err)
	}
	var v uint64
	if ok, err := m.KVGet([]byte("outer"), &v); err != nil || !ok || v != 1 {
		t.Fatalf("outer value missing: ok=%v v=%d err=%v", ok, v, err)
	}
	if ok, _ := m.KVGet([]byte("inner"), nil); ok {
		t.Fatalf("inner value should have been discarded")
	}
}

func TestAtomicPanicRollsBack(t *testing.T) {
	m, _ := newTestManager(t)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = m.Atomic(func() error {
			_ = m.KVPut([]byte("p"), uint64(1))
			panic("unexpected")
		})
	}()
	if m.Depth() != 0 {
		t.Fatalf("expected layers to unwind, depth %d", m.Depth())
	}
	if ok, _ := m.KVGet([]byte("p"), nil); ok {
		t.Fatalf("panicking write leaked")
	}
}

func TestKVDeleteInsideLayer(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.KVPut([]byte("x"), uint64(5)); err != nil {
		t.Fatalf("put: %v", err)
	}
	m.Begin()
	if err := m.KVDelete([]byte("x")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := m.KVGet([]byte("x"), nil); ok {
		t.Fatalf("expected deleted key to be hidden inside layer")
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ok, _ := m.KVGet([]byte("x"), nil); ok {
		t.Fatalf("expected deleted key to be gone after commit")
	}
	if err := m.Commit(); err == nil {
		t.Fatalf("expected commit without layer to fail")
	}
}

func TestKVAppendDeduplicates(t *testing.T) {
	m, _ := newTestManager(t)
	key := []byte("index")
	for _, v := range [][]byte{[]byte("a"), []byte("b"), []byte("a")} {
		if err := m.KVAppend(key, v); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	list, err := m.KVGetList(key)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
}

func TestEventsFollowLayerOutcome(t *testing.T) {
	m, _ := newTestManager(t)
	sink := &events.Recorder{}
	m.SetEventSink(sink)
	transfer := func(n int64) events.Event {
		return events.TokenTransfer{Token: "FLR", Amount: big.NewInt(n)}
	}

	m.Emit(transfer(1))
	if got := len(sink.Events()); got != 1 {
		t.Fatalf("expected event without layer to pass through, got %d", got)
	}

	m.Begin()
	m.Emit(transfer(2))
	_ = m.Atomic(func() error {
		m.Emit(transfer(3))
		return errors.New("inner failure")
	})
	if err := m.Atomic(func() error {
		m.Emit(transfer(4))
		return nil
	}); err != nil {
		t.Fatalf("inner atomic: %v", err)
	}
	if got := len(sink.Events()); got != 1 {
		t.Fatalf("expected events to wait for the outer commit, got %d", got)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got := sink.Events()
	if len(got) != 3 {
		t.Fatalf("expected 3 delivered events, got %d", len(got))
	}
	for i, want := range []string{"1", "2", "4"} {
		if amount := got[i].(events.TokenTransfer).Amount.String(); amount != want {
			t.Fatalf("event %d: expected amount %s, got %s", i, want, amount)
		}
	}

	m.Begin()
	m.Emit(transfer(5))
	if err := m.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(sink.Events()) != 3 {
		t.Fatalf("expected rolled back event to be dropped")
	}
}

func TestAdjustTokenSupply(t *testing.T) {
	m, _ := newTestManager(t)
	total, err := m.TokenSupply("flr")
	if err != nil || total.Sign() != 0 {
		t.Fatalf("expected zero supply, got %v %v", total, err)
	}
	if total, err = m.AdjustTokenSupply("flr", big.NewInt(1000)); err != nil || total.Int64() != 1000 {
		t.Fatalf("mint adjust: %v %v", total, err)
	}
	if total, err = m.AdjustTokenSupply("FLR", big.NewInt(-250)); err != nil || total.Int64() != 750 {
		t.Fatalf("burn adjust: %v %v", total, err)
	}
	if _, err = m.AdjustTokenSupply("FLR", big.NewInt(-1000)); err == nil {
		t.Fatalf("expected underflow to fail")
	}
	if _, err = m.TokenSupply(" "); err == nil {
		t.Fatalf("expected empty symbol to fail")
	}
}
