package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CircuitState is the breaker's current state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitConfig configures an optional portfolio-level circuit breaker
// the manager may consult before queue_buys, supplementing spec.md §4.H
// without touching any of its named Non-goals.
type CircuitConfig struct {
	MaxConsecutiveLosses int
	MaxDrawdownAmount    decimal.Decimal
	CooldownPeriod       time.Duration
}

// CircuitBreaker trips on consecutive losses or absolute drawdown and
// auto-resets after its cooldown period elapses.
type CircuitBreaker struct {
	mu                sync.Mutex
	state             CircuitState
	config            CircuitConfig
	consecutiveLosses int
	totalPnL          decimal.Decimal
	lastTripped       time.Time
}

func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{state: CircuitClosed, config: config}
}

// RecordTrade updates the running P&L and consecutive-loss count,
// tripping the breaker if a configured threshold is crossed.
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}
	cb.totalPnL = cb.totalPnL.Add(pnl)

	cb.checkThresholdsLocked()
}

func (cb *CircuitBreaker) checkThresholdsLocked() {
	if cb.state == CircuitOpen {
		return
	}
	if cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.tripLocked()
		return
	}
	if cb.config.MaxDrawdownAmount.IsPositive() && cb.totalPnL.LessThan(cb.config.MaxDrawdownAmount.Neg()) {
		cb.tripLocked()
		return
	}
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = CircuitOpen
	cb.lastTripped = time.Now()
}

// IsTripped reports whether the breaker currently blocks new buys,
// auto-resetting once the cooldown period has elapsed.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.config.CooldownPeriod > 0 && time.Since(cb.lastTripped) > cb.config.CooldownPeriod {
			cb.state = CircuitClosed
			cb.consecutiveLosses = 0
			cb.totalPnL = decimal.Zero
			return false
		}
		return true
	}
	return false
}

// Reset manually clears the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveLosses = 0
	cb.totalPnL = decimal.Zero
}
