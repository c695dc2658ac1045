// Package cooldown implements the per-market, time-based trade
// suppression registry (spec.md §4.E).
package cooldown

import "time"

// CoolDown tracks the last buy and sell time per market against two
// configured periods.
type CoolDown struct {
	buyPeriod  time.Duration
	sellPeriod time.Duration

	lastBought map[string]time.Time
	lastSold   map[string]time.Time

	now time.Time
}

// New builds a CoolDown with the given buy/sell suppression periods.
func New(buyPeriod, sellPeriod time.Duration) *CoolDown {
	return &CoolDown{
		buyPeriod:  buyPeriod,
		sellPeriod: sellPeriod,
		lastBought: make(map[string]time.Time),
		lastSold:   make(map[string]time.Time),
	}
}

// SetTick latches the current tick time, used by CoolingDown for every
// market evaluated this tick.
func (c *CoolDown) SetTick(now time.Time) { c.now = now }

// CoolingDown reports whether market m is currently suppressed for
// trading, per spec.md §4.E: missing entries are treated as infinite
// past, i.e. never cooling down for that side.
func (c *CoolDown) CoolingDown(market string) bool {
	if bought, ok := c.lastBought[market]; ok && c.now.Sub(bought) < c.buyPeriod {
		return true
	}
	if sold, ok := c.lastSold[market]; ok && c.now.Sub(sold) < c.sellPeriod {
		return true
	}
	return false
}

// Bought registers a buy placement for market m at the latched tick
// time.
func (c *CoolDown) Bought(market string) { c.lastBought[market] = c.now }

// Sold registers a sell placement for market m at the latched tick time.
func (c *CoolDown) Sold(market string) { c.lastSold[market] = c.now }
