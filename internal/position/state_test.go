package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCounterOpenAndValid(t *testing.T) {
	var c Counter
	if !c.Valid() {
		t.Fatal("zero-value counter must be valid")
	}
	if c.Open() != 0 {
		t.Fatalf("Open() = %d, want 0", c.Open())
	}

	c.Add()
	c.Add()
	c.Drop()
	if c.Open() != 1 {
		t.Fatalf("Open() = %d, want 1", c.Open())
	}
	if !c.Valid() {
		t.Fatal("2 added, 1 dropped should be valid")
	}
}

// property: Added() >= Dropped() always, across any legal interleaving
// a single caller can produce (it never drops more than it has added).
func TestCounterInvariantHoldsAcrossInterleaving(t *testing.T) {
	var c Counter
	ops := []rune("AADADAADD") // A=add, D=drop; never exceeds adds so far
	for _, op := range ops {
		switch op {
		case 'A':
			c.Add()
		case 'D':
			c.Drop()
		}
		if !c.Valid() {
			t.Fatalf("counter became invalid after op %q: added=%d dropped=%d", op, c.Added(), c.Dropped())
		}
	}
}

func TestCounterDetectsViolation(t *testing.T) {
	var c Counter
	c.Drop()
	if c.Valid() {
		t.Fatal("dropping with nothing added must be invalid")
	}
}

func TestChainOrdersOldestFirstEndingAtRoot(t *testing.T) {
	now := time.Now()
	root := NewRoot(1, "BTC-USD", now)
	desired := NewDesiredLimitBuy(root, "BTC-USD", decimal.NewFromInt(100), decimal.NewFromInt(1), now)
	pending := NewPendingLimitBuy(desired, "order-1", "client-1", now)
	active := NewActivePosition(pending, "BTC-USD", decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.Zero, now, "buy_filled", now)

	chain := Chain(active)
	if len(chain) != 4 {
		t.Fatalf("len(chain) = %d, want 4", len(chain))
	}
	if chain[0] != State(root) {
		t.Fatalf("chain[0] = %v, want root", chain[0])
	}
	if chain[len(chain)-1] != State(active) {
		t.Fatalf("chain[last] = %v, want active", chain[len(chain)-1])
	}
}

func TestTerminatesAtRootTrueForWellFormedChain(t *testing.T) {
	now := time.Now()
	root := NewRoot(1, "BTC-USD", now)
	desired := NewDesiredLimitBuy(root, "BTC-USD", decimal.NewFromInt(100), decimal.NewFromInt(1), now)
	pending := NewPendingLimitBuy(desired, "order-1", "client-1", now)

	if !TerminatesAtRoot(pending, 100) {
		t.Fatal("well-formed chain should terminate at its root")
	}
}

func TestTerminatesAtRootFalseOnCycle(t *testing.T) {
	now := time.Now()
	a := &cyclicState{market: "BTC-USD", created: now}
	b := &cyclicState{market: "BTC-USD", created: now, prev: a}
	a.prev = b // manufacture a cycle

	if TerminatesAtRoot(a, 50) {
		t.Fatal("cyclic chain must not report as terminating at a root")
	}
}

func TestTerminatesAtRootFalseWhenNil(t *testing.T) {
	if TerminatesAtRoot(nil, 10) {
		t.Fatal("nil state never terminates at a root")
	}
}

// cyclicState is a minimal State implementation for constructing a
// pathological cycle the provenance-chain tests must detect.
type cyclicState struct {
	market  string
	prev    State
	created time.Time
}

func (c *cyclicState) Market() string       { return c.market }
func (c *cyclicState) Previous() State      { return c.prev }
func (c *cyclicState) Change() string       { return "cycle" }
func (c *cyclicState) CreatedAt() time.Time { return c.created }
