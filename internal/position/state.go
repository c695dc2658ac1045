// Package position models the position lifecycle as a closed tagged
// union: every state is a concrete type implementing State, and each
// non-root state carries a back-reference to the state it replaced,
// forming an immutable, append-only provenance chain back to a Root.
package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is implemented by every node in the lifecycle graph. Previous
// returns the state this one replaced, or nil only for a Root. Change
// names the transition that produced this state.
type State interface {
	Market() string
	Previous() State
	Change() string
	CreatedAt() time.Time
}

// base is embedded by every non-root state.
type base struct {
	market  string
	prev    State
	change  string
	created time.Time
}

func (b base) Market() string       { return b.market }
func (b base) Previous() State      { return b.prev }
func (b base) Change() string       { return b.change }
func (b base) CreatedAt() time.Time { return b.created }

func newBase(market string, prev State, change string, now time.Time) base {
	return base{market: market, prev: prev, change: change, created: now}
}

// Root is the provenance chain terminator, carrying only a monotonic
// number and the market it originates a chain for.
type Root struct {
	Number  int64
	market  string
	created time.Time
}

func NewRoot(number int64, market string, now time.Time) *Root {
	return &Root{Number: number, market: market, created: now}
}

func (r *Root) Market() string       { return r.market }
func (r *Root) Previous() State      { return nil }
func (r *Root) Change() string       { return "root" }
func (r *Root) CreatedAt() time.Time { return r.created }

// DesiredLimitBuy is an intent to place a limit buy, not yet submitted.
type DesiredLimitBuy struct {
	base
	Price decimal.Decimal
	Size  decimal.Decimal
}

func NewDesiredLimitBuy(prev State, market string, price, size decimal.Decimal, now time.Time) *DesiredLimitBuy {
	return &DesiredLimitBuy{base: newBase(market, prev, "queue_buys", now), Price: price, Size: size}
}

// DesiredMarketBuy is an intent to place a market buy, not yet submitted.
type DesiredMarketBuy struct {
	base
	Funds decimal.Decimal
}

func NewDesiredMarketBuy(prev State, market string, funds decimal.Decimal, now time.Time) *DesiredMarketBuy {
	return &DesiredMarketBuy{base: newBase(market, prev, "queue_buys", now), Funds: funds}
}

// PendingLimitBuy is a limit buy order accepted by the exchange.
type PendingLimitBuy struct {
	base
	Price     decimal.Decimal
	Size      decimal.Decimal
	OrderID   string
	ClientOID string
}

func NewPendingLimitBuy(prev *DesiredLimitBuy, orderID, clientOID string, now time.Time) *PendingLimitBuy {
	return &PendingLimitBuy{
		base:      newBase(prev.Market(), prev, "place_limit_buy", now),
		Price:     prev.Price,
		Size:      prev.Size,
		OrderID:   orderID,
		ClientOID: clientOID,
	}
}

// PendingMarketBuy is a market buy order accepted by the exchange.
type PendingMarketBuy struct {
	base
	Funds     decimal.Decimal
	OrderID   string
	ClientOID string
}

func NewPendingMarketBuy(prev *DesiredMarketBuy, orderID, clientOID string, now time.Time) *PendingMarketBuy {
	return &PendingMarketBuy{
		base:      newBase(prev.Market(), prev, "place_market_buy", now),
		Funds:     prev.Funds,
		OrderID:   orderID,
		ClientOID: clientOID,
	}
}

// ActivePosition is filled, currently-held inventory in a market. Price
// is the VWAP across all fills that contributed to it; Start is the time
// the earliest contributing buy order was placed (or the balance was
// reconciled at startup), preserved across compression and partial-sell
// drawdown clones.
type ActivePosition struct {
	base
	Price decimal.Decimal
	Size  decimal.Decimal
	Fees  decimal.Decimal
	Start time.Time
}

func NewActivePosition(prev State, market string, price, size, fees decimal.Decimal, start time.Time, change string, now time.Time) *ActivePosition {
	return &ActivePosition{base: newBase(market, prev, change, now), Price: price, Size: size, Fees: fees, Start: start}
}

// DesiredLimitSell is an intent to sell some or all of an active
// position via a limit order. StopSale marks a stop-loss-triggered exit.
type DesiredLimitSell struct {
	base
	Size     decimal.Decimal
	StopSale bool
}

func NewDesiredLimitSell(prev *ActivePosition, size decimal.Decimal, stopSale bool, change string, now time.Time) *DesiredLimitSell {
	return &DesiredLimitSell{base: newBase(prev.Market(), prev, change, now), Size: size, StopSale: stopSale}
}

// DesiredMarketSell is an intent to sell via a market order.
type DesiredMarketSell struct {
	base
	Size     decimal.Decimal
	StopSale bool
}

func NewDesiredMarketSell(prev *ActivePosition, size decimal.Decimal, stopSale bool, change string, now time.Time) *DesiredMarketSell {
	return &DesiredMarketSell{base: newBase(prev.Market(), prev, change, now), Size: size, StopSale: stopSale}
}

// PendingLimitSell is a limit sell order accepted by the exchange.
type PendingLimitSell struct {
	base
	Price     decimal.Decimal
	Size      decimal.Decimal
	OrderID   string
	ClientOID string
	StopSale  bool
}

func NewPendingLimitSell(prev *DesiredLimitSell, orderID, clientOID string, price decimal.Decimal, now time.Time) *PendingLimitSell {
	return &PendingLimitSell{
		base:      newBase(prev.Market(), prev, "place_limit_sell", now),
		Price:     price,
		Size:      prev.Size,
		OrderID:   orderID,
		ClientOID: clientOID,
		StopSale:  prev.StopSale,
	}
}

// PendingMarketSell is a market sell order accepted by the exchange.
type PendingMarketSell struct {
	base
	Size      decimal.Decimal
	OrderID   string
	ClientOID string
	StopSale  bool
}

func NewPendingMarketSell(prev *DesiredMarketSell, orderID, clientOID string, now time.Time) *PendingMarketSell {
	return &PendingMarketSell{
		base:      newBase(prev.Market(), prev, "place_market_sell", now),
		Size:      prev.Size,
		OrderID:   orderID,
		ClientOID: clientOID,
		StopSale:  prev.StopSale,
	}
}

// Sold is the terminal state of a (partially or fully) liquidated
// position. It is reaped from the manager's active lists on the next
// tick; its presence already incremented the position counter's dropped
// side via the caller.
type Sold struct {
	base
	Price decimal.Decimal
	Size  decimal.Decimal
	Fees  decimal.Decimal
}

func NewSold(prev State, market string, price, size, fees decimal.Decimal, change string, now time.Time) *Sold {
	return &Sold{base: newBase(market, prev, change, now), Price: price, Size: size, Fees: fees}
}

// Chain walks the provenance chain from s back to its Root, returning
// states ordered oldest (Root) first. Bounded to guard against a
// programming error introducing a cycle — a well-formed chain is always
// finite and short, reaching a Root in few steps.
func Chain(s State) []State {
	const maxDepth = 10000
	var reversed []State
	for cur := s; cur != nil; cur = cur.Previous() {
		reversed = append(reversed, cur)
		if len(reversed) > maxDepth {
			break
		}
	}
	out := make([]State, len(reversed))
	for i, st := range reversed {
		out[len(reversed)-1-i] = st
	}
	return out
}

// TerminatesAtRoot reports whether s's provenance chain reaches a *Root
// within maxDepth steps with no repeated pointer (cycle). Used by the
// provenance-chain property test.
func TerminatesAtRoot(s State, maxDepth int) bool {
	seen := make(map[State]bool, maxDepth)
	cur := s
	for i := 0; i < maxDepth; i++ {
		if cur == nil {
			return false
		}
		if _, ok := cur.(*Root); ok {
			return true
		}
		if seen[cur] {
			return false
		}
		seen[cur] = true
		cur = cur.Previous()
	}
	return false
}

// Counter tracks the number of positions ever created (Add) against the
// number ever closed out (Drop); the manager calls Drop for every Sold a
// pending sell produces. Invariant (v) from spec: Added() >= Dropped() >= 0
// always.
type Counter struct {
	added   int64
	dropped int64
}

func (c *Counter) Add()           { c.added++ }
func (c *Counter) Drop()          { c.dropped++ }
func (c *Counter) Added() int64   { return c.added }
func (c *Counter) Dropped() int64 { return c.dropped }

// Open reports the number of positions currently open, per invariant 1:
// open position count equals added - dropped.
func (c *Counter) Open() int64 { return c.added - c.dropped }

// Valid reports whether the counter currently satisfies invariant (v).
// A false return is an internal invariant violation (spec §7: abort).
func (c *Counter) Valid() bool {
	return c.added >= c.dropped && c.dropped >= 0
}
