package server

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var errNilSequencer = errors.New("floord: sequencer not configured")

type layeredState interface {
	Begin()
	Commit() error
	Rollback() error
	Depth() int
}

type clockedEngine interface {
	SetBlockTime(ts uint64)
}

// Sequencer serialises every transaction and view. Each transaction runs in
// its own state layer stamped with the wall clock; the layer commits only
// when the operation succeeds.
type Sequencer struct {
	mu       sync.Mutex
	state    layeredState
	engine   clockedEngine
	now      func() time.Time
	last     uint64
	onCommit func()
	onAbort  func()
}

// NewSequencer binds the sequencer to the state layers and the engines that
// consume block time.
func NewSequencer(state layeredState, engine clockedEngine, now func() time.Time) *Sequencer {
	if now == nil {
		now = time.Now
	}
	return &Sequencer{state: state, engine: engine, now: now}
}

// OnCommit registers a hook run after every committed transaction, still
// under the sequencer lock.
func (s *Sequencer) OnCommit(fn func()) {
	s.mu.Lock()
	s.onCommit = fn
	s.mu.Unlock()
}

// OnAbort registers a hook run after a transaction is rolled back, so
// in-memory views built during the transaction can be rebuilt from state.
func (s *Sequencer) OnAbort(fn func()) {
	s.mu.Lock()
	s.onAbort = fn
	s.mu.Unlock()
}

func (s *Sequencer) aborted() {
	if s.onAbort != nil {
		s.onAbort()
	}
}

// tick advances block time. It never moves backwards.
func (s *Sequencer) tick() uint64 {
	ts := uint64(s.now().Unix())
	if ts < s.last {
		ts = s.last
	}
	s.last = ts
	s.engine.SetBlockTime(ts)
	return ts
}

// Submit runs fn as one transaction.
func (s *Sequencer) Submit(fn func(ts uint64) error) (err error) {
	if s == nil || s.state == nil || s.engine == nil {
		return errNilSequencer
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.tick()
	depth := s.state.Depth()
	s.state.Begin()
	defer func() {
		if r := recover(); r != nil {
			for s.state.Depth() > depth {
				_ = s.state.Rollback()
			}
			s.aborted()
			err = fmt.Errorf("floord: transaction panicked: %v", r)
		}
	}()
	if err = fn(ts); err != nil {
		if rbErr := s.state.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		s.aborted()
		return err
	}
	if err = s.state.Commit(); err != nil {
		return fmt.Errorf("floord: commit: %w", err)
	}
	if s.onCommit != nil {
		s.onCommit()
	}
	return nil
}

// View runs fn against committed state at the current block time.
func (s *Sequencer) View(fn func(ts uint64) error) error {
	if s == nil || s.engine == nil {
		return errNilSequencer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.tick())
}
