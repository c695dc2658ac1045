package sizing

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func TestComputeSellSizeAboveMinimumSellsDesiredFraction(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	size := dec("10")
	fraction := dec("0.5")
	minSize := dec("0.001")
	increment := dec("0.0001")

	sellSize, remainder := ComputeSellSize(rng, size, fraction, minSize, increment)
	if !sellSize.Equal(dec("5")) {
		t.Fatalf("sellSize = %s, want 5", sellSize)
	}
	if !remainder.Equal(dec("5")) {
		t.Fatalf("remainder = %s, want 5", remainder)
	}
}

func TestComputeSellSizeBelowMinimumIsProbabilistic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	size := dec("1")
	fraction := dec("0.0005") // desired ~ 0.0005, below min 0.001
	minSize := dec("0.001")
	increment := dec("0.0001")

	hits, misses := 0, 0
	for i := 0; i < 1000; i++ {
		sellSize, _ := ComputeSellSize(rng, size, fraction, minSize, increment)
		if sellSize.IsZero() {
			misses++
		} else if sellSize.Equal(minSize) {
			hits++
		} else {
			t.Fatalf("unexpected sellSize %s: must be 0 or minSize in the sub-minimum branch", sellSize)
		}
	}
	if hits == 0 || misses == 0 {
		t.Fatalf("expected a probabilistic mix over 1000 trials, got hits=%d misses=%d", hits, misses)
	}
}

func TestComputeSellSizeZeroDesiredAlwaysZero(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sellSize, remainder := ComputeSellSize(rng, dec("1"), decimal.Zero, dec("0.001"), dec("0.0001"))
	if !sellSize.IsZero() {
		t.Fatalf("sellSize = %s, want 0", sellSize)
	}
	if !remainder.Equal(dec("1")) {
		t.Fatalf("remainder = %s, want full size 1", remainder)
	}
}

func TestComputeSellSizeDustRemainderSellsEverything(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	// size=1.0005, fraction leaves a remainder just under minSize: sell it all
	// instead of leaving an unsellable dust remainder.
	size := dec("1.0005")
	fraction := dec("1") // desired = full size -> remainder would be 0, not dust; use a smaller fraction instead
	_ = fraction
	frac := dec("0.9996") // desired ~ 1.0001 (rounded up to increment), remainder ~ 0.0004 < minSize
	minSize := dec("0.001")
	increment := dec("0.0001")

	sellSize, remainder := ComputeSellSize(rng, size, frac, minSize, increment)
	total := sellSize.Add(remainder)
	if !total.Equal(size) {
		t.Fatalf("sellSize+remainder = %s, want total size %s preserved", total, size)
	}
	if remainder.IsPositive() && remainder.LessThan(minSize) {
		t.Fatalf("dust remainder %s must not survive; ComputeSellSize should have sold everything", remainder)
	}
}

func TestComputeSellSizeNilRNGDoesNotPanic(t *testing.T) {
	sellSize, remainder := ComputeSellSize(nil, dec("10"), dec("0.5"), dec("0.001"), dec("0.0001"))
	if !sellSize.Equal(dec("5")) {
		t.Fatalf("sellSize = %s, want 5", sellSize)
	}
	if !remainder.Equal(dec("5")) {
		t.Fatalf("remainder = %s, want 5", remainder)
	}
}

// property: sellSize + remainder always equals the original size.
func TestComputeSellSizePreservesTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sizes := []string{"1", "0.01", "123.456", "0.0015"}
	fractions := []string{"0.1", "0.5", "0.9", "1", "0.001"}
	for _, s := range sizes {
		for _, f := range fractions {
			sellSize, remainder := ComputeSellSize(rng, dec(s), dec(f), dec("0.001"), dec("0.0001"))
			total := sellSize.Add(remainder)
			if !total.Equal(dec(s)) {
				t.Errorf("size=%s fraction=%s: sellSize+remainder=%s, want %s", s, f, total, s)
			}
		}
	}
}
