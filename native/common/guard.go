package common

import "errors"

var (
	ErrModulePaused = errors.New("module paused")
	ErrReentrant    = errors.New("reentrant call")
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// ReentrancyGuard is an in-call sentinel owned by a single engine. Every
// mutating entry point runs through Run, so a callee that calls back into the
// same engine before the outer call returns is rejected.
type ReentrancyGuard struct {
	entered bool
	op      string
}

// Active reports whether a guarded call is in progress.
func (g *ReentrancyGuard) Active() bool {
	return g.entered
}

// Run executes fn with the sentinel set. The sentinel is cleared on return,
// including when fn panics.
func (g *ReentrancyGuard) Run(op string, fn func() error) error {
	if g.entered {
		return &ReentrancyError{Op: op, Active: g.op}
	}
	g.entered = true
	g.op = op
	defer func() {
		g.entered = false
		g.op = ""
	}()
	return fn()
}

// ReentrancyError names the rejected operation and the one already running.
type ReentrancyError struct {
	Op     string
	Active string
}

func (e *ReentrancyError) Error() string {
	return "reentrant call: " + e.Op + " during " + e.Active
}

func (e *ReentrancyError) Unwrap() error { return ErrReentrant }

// StaticPauses is a PauseView backed by a fixed set of module names.
type StaticPauses map[string]bool

func (s StaticPauses) IsPaused(module string) bool {
	return s[module]
}
