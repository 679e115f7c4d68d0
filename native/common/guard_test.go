package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursPauses(t *testing.T) {
	if err := Guard(nil, "amm"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	pauses := StaticPauses{"amm": true}
	if err := Guard(pauses, "amm"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, "lending"); err != nil {
		t.Fatalf("unexpected error for unpaused module: %v", err)
	}
}

func TestReentrancyGuardRejectsNestedCalls(t *testing.T) {
	var g ReentrancyGuard
	var inner error
	err := g.Run("swap", func() error {
		if !g.Active() {
			t.Fatalf("expected guard to be active")
		}
		inner = g.Run("burn", func() error { return nil })
		return nil
	})
	if err != nil {
		t.Fatalf("outer call failed: %v", err)
	}
	if !errors.Is(inner, ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", inner)
	}
	var re *ReentrancyError
	if !errors.As(inner, &re) || re.Op != "burn" || re.Active != "swap" {
		t.Fatalf("unexpected reentrancy detail: %+v", re)
	}
	if g.Active() {
		t.Fatalf("guard must clear after return")
	}
}

func TestReentrancyGuardClearsAfterPanic(t *testing.T) {
	var g ReentrancyGuard
	func() {
		defer func() { _ = recover() }()
		_ = g.Run("swap", func() error { panic("boom") })
	}()
	if g.Active() {
		t.Fatalf("guard must clear after panic")
	}
	if err := g.Run("swap", func() error { return nil }); err != nil {
		t.Fatalf("guard unusable after panic: %v", err)
	}
}
