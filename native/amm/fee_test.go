package amm

import (
	"math/big"
	"math/rand"
	"testing"
)

func TestFeeAt(t *testing.T) {
	cases := []struct {
		name       string
		start, end uint64
		target     int64
		burned     int64
		want       uint64
	}{
		{"nothing burned", 9900, 100, 100_000, 0, 9900},
		{"half way", 9900, 100, 100_000, 50_000, 5000},
		{"past target", 9900, 100, 100_000, 250_000, 100},
		{"at target", 300, 30, 1_000, 1_000, 30},
		{"zero target", 300, 30, 0, 0, 30},
		{"flat curve", 30, 30, 1_000, 500, 30},
		{"rounds toward start", 300, 30, 1_000, 1, 300},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FeeAt(tc.start, tc.end, big.NewInt(tc.target), big.NewInt(tc.burned))
			if got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestFeeAtStaysClampedAndMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	for i := 0; i < 1000; i++ {
		start := uint64(rng.Intn(10_001))
		end := uint64(rng.Intn(int(start) + 1))
		target := big.NewInt(rng.Int63n(1_000_000))
		a := big.NewInt(rng.Int63n(2_000_000))
		b := new(big.Int).Add(a, big.NewInt(rng.Int63n(1_000_000)))
		feeA := FeeAt(start, end, target, a)
		feeB := FeeAt(start, end, target, b)
		if feeA < end || feeA > start || feeB < end || feeB > start {
			t.Fatalf("fee outside [%d, %d]: %d %d", end, start, feeA, feeB)
		}
		if feeB > feeA {
			t.Fatalf("fee rose with more burned: %d -> %d", feeA, feeB)
		}
	}
}

func TestValidateFeeCurve(t *testing.T) {
	if err := ValidateFeeCurve(100, 100, nil); err != nil {
		t.Fatalf("flat curve rejected: %v", err)
	}
	if err := ValidateFeeCurve(100, 101, nil); err != ErrInvalidFeeCurve {
		t.Fatalf("expected ErrInvalidFeeCurve, got %v", err)
	}
	if err := ValidateFeeCurve(100, 10, big.NewInt(-1)); err != ErrInvalidFeeCurve {
		t.Fatalf("expected ErrInvalidFeeCurve for negative target, got %v", err)
	}
}
