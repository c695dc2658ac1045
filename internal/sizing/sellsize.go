package sizing

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/opensqt/spotagent/internal/decimalx"
)

// ComputeSellSize implements step 5 of the sizing pipeline: given a
// position of size and a sell fraction, determine how much to sell this
// tick and how much remains. Preconditions (from spec.md §8 property 3):
// size >= minSize and increment divides minSize.
//
// desired is rounded UP to increment. Below minSize, it becomes minSize
// with probability desired/minSize (else zero), which preserves
// expectation over many ticks. If what's left after selling desired
// would itself be dust (less than minSize but nonzero), the whole
// position is sold instead, rounded DOWN to increment, to avoid leaving
// an unsellable remainder.
func ComputeSellSize(rng *rand.Rand, size, fraction, minSize, increment decimal.Decimal) (sellSize, remainder decimal.Decimal) {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	desired := decimalx.Quantize(size.Mul(fraction), increment, decimalx.RoundUp)

	if desired.LessThan(minSize) {
		if desired.IsZero() {
			return decimal.Zero, size
		}
		p, _ := desired.Div(minSize).Float64()
		if rng.Float64() < p {
			desired = minSize
		} else {
			desired = decimal.Zero
		}
	}

	remainder = size.Sub(desired)
	if remainder.IsPositive() && remainder.LessThan(minSize) {
		sellAll := decimalx.Quantize(size, increment, decimalx.RoundDown)
		return sellAll, size.Sub(sellAll)
	}

	return desired, remainder
}
