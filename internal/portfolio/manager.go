// Package portfolio implements the Portfolio Manager: the single-
// threaded, tick-driven state machine that advances every outstanding
// position through its lifecycle (spec.md §4.H).
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensqt/spotagent/internal/cooldown"
	"github.com/opensqt/spotagent/internal/exchange"
	"github.com/opensqt/spotagent/internal/logging"
	"github.com/opensqt/spotagent/internal/position"
	"github.com/opensqt/spotagent/internal/risk"
	"github.com/opensqt/spotagent/internal/sizing"
	"github.com/opensqt/spotagent/internal/telemetry"
	"github.com/opensqt/spotagent/internal/tracker"
)

// ErrNonAdvancingTick is returned when the exchange reports a server
// timestamp that did not advance past the last tick (spec.md §5(iii),
// §7 "Non-advancing tick_time").
var ErrNonAdvancingTick = errors.New("non-advancing tick time")

// ErrInvariantViolation is returned when an internal bookkeeping
// invariant (the position counter) is found broken. Per spec.md §7 this
// is fatal: the caller should abort the process.
var ErrInvariantViolation = errors.New("internal invariant violation")

// ErrTrackerUnavailable wraps a tracker.BarrierSnapshot failure; the
// caller must rebuild the tracker (spec.md §7 "Tracker stream stop").
var ErrTrackerUnavailable = errors.New("tracker unavailable")

const orderWaitTime = 1 * time.Second

// Config holds the manager's order-placement and risk policy, built
// from internal/config at wiring time.
type Config struct {
	QuoteCurrency       string
	BuyAgeLimit         time.Duration
	SellAgeLimit        time.Duration
	BuyHorizon          time.Duration
	SellHorizon         time.Duration
	BuyOrderType        sizing.OrderKind
	SellOrderType       sizing.OrderKind
	TimeInForce         exchange.TimeInForce
	PostOnly            bool
	LiquidateOnShutdown bool
	Blacklist           map[string]bool
	ConcentrationLimit  decimal.Decimal
	POVLimit            decimal.Decimal
	MinTickDuration     time.Duration
}

// TickInputs is the per-tick variable set spec.md §4.H establishes
// atomically at tick start, gathered by the caller from the exchange
// client and the external indicator collaborators.
type TickInputs struct {
	MarketInfo  map[string]exchange.MarketInfo
	Fees        exchange.Fees
	TickTime    time.Time
	Prices      map[string]decimal.Decimal
	Bids        map[string]decimal.Decimal
	Asks        map[string]decimal.Decimal
	Volume      map[string]decimal.Decimal
	AUM         decimal.Decimal
	BuyWeights  map[string]decimal.Decimal
	SellWeights map[string]decimal.Decimal
}

// Manager is the T1 tick-loop state. All fields except the tracker and
// exchange client are thread-local to T1 (spec.md §5).
type Manager struct {
	exchange exchange.Client
	tracker  *tracker.Tracker
	cooldown *cooldown.CoolDown
	stopLoss risk.StopLoss
	breaker  *risk.CircuitBreaker // optional, nil disables it
	cfg      Config
	logger   logging.Logger
	metrics  *telemetry.Metrics
	rng      *rand.Rand

	counter position.Counter
	rootSeq int64

	pendingLimitBuys   []*position.PendingLimitBuy
	pendingMarketBuys  []*position.PendingMarketBuy
	desiredLimitBuys   []*position.DesiredLimitBuy
	desiredMarketBuys  []*position.DesiredMarketBuy
	activePositions    []*position.ActivePosition
	desiredLimitSells  []*position.DesiredLimitSell
	desiredMarketSells []*position.DesiredMarketSell
	pendingLimitSells  []*position.PendingLimitSell
	pendingMarketSells []*position.PendingMarketSell
	sold               []*position.Sold

	lastTickTime     time.Time
	lastTickDuration time.Duration

	// established atomically at the start of each Tick call
	in             TickInputs
	orders         map[string]tracker.OrderView
	orderSnapshotT time.Time
}

// New builds a Manager around its collaborators. breaker may be nil.
func New(ex exchange.Client, tr *tracker.Tracker, cd *cooldown.CoolDown, stopLoss risk.StopLoss, breaker *risk.CircuitBreaker, cfg Config, logger logging.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		exchange: ex,
		tracker:  tr,
		cooldown: cd,
		stopLoss: stopLoss,
		breaker:  breaker,
		cfg:      cfg,
		logger:   logger.With("component", "portfolio_manager"),
		metrics:  metrics,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// Counter exposes the position counter for tests and telemetry.
func (m *Manager) Counter() *position.Counter { return &m.counter }

func (m *Manager) nextRoot(market string, now time.Time) *position.Root {
	m.rootSeq++
	return position.NewRoot(m.rootSeq, market, now)
}

// Tick runs exactly one iteration of the manager's loop: the nine
// ordered state-transition phases of spec.md §4.H.
func (m *Manager) Tick(ctx context.Context, in TickInputs) error {
	if !m.lastTickTime.IsZero() {
		if !in.TickTime.After(m.lastTickTime) {
			m.logger.Warn("non-advancing tick_time; backing off one tick",
				"tick_time", in.TickTime, "last_tick_time", m.lastTickTime)
			if m.metrics != nil {
				m.metrics.NonAdvancingTicks.Inc()
			}
			return ErrNonAdvancingTick
		}
		m.lastTickDuration = in.TickTime.Sub(m.lastTickTime)
	}
	m.lastTickTime = in.TickTime
	m.in = in

	snapshotTime, orders, err := m.tracker.BarrierSnapshot()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrackerUnavailable, err)
	}
	m.orderSnapshotT = snapshotTime
	m.orders = orders

	m.cooldown.SetTick(in.TickTime)

	m.checkSold()
	m.checkPendingMarketSells(ctx)
	m.checkPendingLimitSells(ctx)
	m.checkPendingLimitBuys(ctx)
	m.checkPendingMarketBuys(ctx)
	m.queueBuys()
	m.checkDesiredLimitBuys(ctx)
	m.checkDesiredMarketBuys(ctx)
	m.compressActivePositions()
	m.checkActivePositions()
	m.checkDesiredMarketSells(ctx)
	m.checkDesiredLimitSells(ctx)
	m.setPortfolioAvailableFunds(ctx)

	if !m.counter.Valid() {
		m.logger.Error("position counter invariant violated", "added", m.counter.Added(), "dropped", m.counter.Dropped())
		return ErrInvariantViolation
	}

	if m.metrics != nil {
		m.metrics.Ticks.Inc()
		m.metrics.OpenPositions.Set(float64(m.counter.Open()))
		m.metrics.PositionCounterDropped.Set(float64(m.counter.Dropped()))
	}
	return nil
}

// checkSold reaps terminal Sold positions (phase 1), feeding each one's
// realized P&L to the optional circuit breaker before it is forgotten.
func (m *Manager) checkSold() {
	for _, s := range m.sold {
		m.logger.Info("position sold", "market", s.Market(), "size", s.Size, "price", s.Price)
		if m.breaker != nil {
			if entry := activePositionOrNil(s.Previous()); entry != nil {
				pnl := s.Price.Sub(entry.Price).Mul(s.Size).Sub(s.Fees)
				m.breaker.RecordTrade(pnl)
			}
		}
	}
	m.sold = nil
}
