// Package sizing implements the Position-Sizing & Weighting pipeline
// (spec.md §4.G): it turns raw per-market target weights into
// concentration-, volume-, and minimum-aware weights ready to be
// converted into concrete order parameters by the Portfolio Manager.
package sizing

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensqt/spotagent/internal/exchange"
)

// OrderKind selects which minimum check rank-and-prune applies.
type OrderKind int

const (
	LimitOrders OrderKind = iota
	MarketOrders
)

// Inputs carries every per-tick value the pipeline's steps 1-4 need.
type Inputs struct {
	Weights            map[string]decimal.Decimal // W: raw target weights
	SpendingLimit      decimal.Decimal            // L
	Prices             map[string]decimal.Decimal // P
	MarketInfo         map[string]exchange.MarketInfo
	Exposure           map[string]decimal.Decimal // E: in-flight quote exposure per market
	Volume             map[string]decimal.Decimal // V
	AUM                decimal.Decimal            // A
	ConcentrationLimit decimal.Decimal            // c
	POVLimit           decimal.Decimal            // p
	CoolingDown        func(market string) bool
	Blacklist          map[string]bool
	Kind               OrderKind
	Horizon            time.Duration // H
	LastTickDuration   time.Duration // d
}

// BuildWeights runs steps 1 through 4 of the pipeline, returning the
// final per-market weight to spend this tick. Markets absent from the
// result should spend nothing.
func BuildWeights(in Inputs) map[string]decimal.Decimal {
	w := filter(in)
	w = clipToSizeCap(in, w)
	w = rankAndPrune(in, w)
	w = adjustToHorizon(in, w)
	return w
}

// filter drops markets in cool-down or on the blacklist (step 1).
func filter(in Inputs) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in.Weights))
	for m, weight := range in.Weights {
		if in.Blacklist != nil && in.Blacklist[m] {
			continue
		}
		if in.CoolingDown != nil && in.CoolingDown(m) {
			continue
		}
		out[m] = weight
	}
	return out
}

// clipToSizeCap enforces the per-market concentration/POV ceiling
// (step 2): size_cap(m) = min(c*A, p*V(m)*P(m)) - E(m), clamped >= 0;
// the weight cap is size_cap / L.
func clipToSizeCap(in Inputs, w map[string]decimal.Decimal) map[string]decimal.Decimal {
	if in.SpendingLimit.IsZero() {
		return w
	}
	out := make(map[string]decimal.Decimal, len(w))
	concentrationCap := in.ConcentrationLimit.Mul(in.AUM)
	for m, weight := range w {
		price := in.Prices[m]
		volume := in.Volume[m]
		povCap := in.POVLimit.Mul(volume).Mul(price)

		sizeCap := concentrationCap
		if povCap.LessThan(sizeCap) {
			sizeCap = povCap
		}
		sizeCap = sizeCap.Sub(in.Exposure[m])
		if sizeCap.IsNegative() {
			sizeCap = decimal.Zero
		}

		wCap := sizeCap.Div(in.SpendingLimit)
		if weight.GreaterThan(wCap) {
			weight = wCap
		}
		out[m] = weight
	}
	return out
}

// rankAndPrune implements step 3: choose the prefix (by descending
// weight) that maximizes the count of markets clearing their exchange
// minimum once weights are renormalized onto that prefix.
func rankAndPrune(in Inputs, w map[string]decimal.Decimal) map[string]decimal.Decimal {
	if len(w) == 0 {
		return w
	}

	markets := make([]string, 0, len(w))
	totalW := decimal.Zero
	for m, weight := range w {
		markets = append(markets, m)
		totalW = totalW.Add(weight)
	}
	sort.Slice(markets, func(i, j int) bool {
		return w[markets[i]].GreaterThan(w[markets[j]])
	})

	if totalW.IsZero() {
		return map[string]decimal.Decimal{}
	}

	bestCount := -1
	var bestClearing []string

	sumK := decimal.Zero
	for k := 1; k <= len(markets); k++ {
		sumK = sumK.Add(w[markets[k-1]])
		if sumK.IsZero() {
			continue
		}

		var clearing []string
		for i := 0; i < k; i++ {
			m := markets[i]
			renorm := w[m].Div(sumK).Mul(totalW)
			a := renorm.Mul(in.SpendingLimit)
			if clearsMinimum(in, m, a) {
				clearing = append(clearing, m)
			}
		}

		if len(clearing) > bestCount {
			bestCount = len(clearing)
			bestClearing = clearing
		}
	}

	// Re-renormalize only over the markets that actually clear their
	// exchange minimum at the chosen k (spec §4.G step 3: "re-renormalize
	// on that subset"), so no weight is wasted on a sub-minimum market
	// that would just be dropped at placement time.
	sumClear := decimal.Zero
	for _, m := range bestClearing {
		sumClear = sumClear.Add(w[m])
	}
	best := make(map[string]decimal.Decimal, len(bestClearing))
	if sumClear.IsPositive() {
		for _, m := range bestClearing {
			best[m] = w[m].Div(sumClear).Mul(totalW)
		}
	}
	return best
}

func clearsMinimum(in Inputs, market string, amount decimal.Decimal) bool {
	info, ok := in.MarketInfo[market]
	if !ok {
		return false
	}
	switch in.Kind {
	case MarketOrders:
		return amount.GreaterThanOrEqual(info.MinMarketFunds)
	default:
		price := in.Prices[market]
		if !price.IsPositive() {
			return false
		}
		return amount.Div(price).GreaterThanOrEqual(info.BaseMinSize)
	}
}

// adjustToHorizon implements step 4: compound the weight across the
// expected number of ticks between now and the spending horizon. The
// per-tick weight is the one that, applied over the expected H/d ticks,
// reaches the target spent fraction by the horizon — so the exponent is
// the reciprocal of the tick count, d/H, not H/d. A missing
// (non-positive) last tick duration yields identity, since there is no
// observed cadence to compound against yet.
func adjustToHorizon(in Inputs, w map[string]decimal.Decimal) map[string]decimal.Decimal {
	if in.LastTickDuration <= 0 || in.Horizon <= 0 {
		return w
	}

	exponent := float64(in.LastTickDuration) / float64(in.Horizon)
	out := make(map[string]decimal.Decimal, len(w))
	for m, weight := range w {
		wf, _ := weight.Float64()
		adjusted := 1 - math.Pow(1-wf, exponent)
		out[m] = decimal.NewFromFloat(adjusted)
	}
	return out
}
