// Package telemetry exposes the agent's Prometheus counters and gauges.
// The core increments them synchronously from T1; only cmd/agent
// starts an HTTP listener to serve them, keeping the metrics endpoint
// outside the two-thread core.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the agent reports.
type Metrics struct {
	Ticks           prometheus.Counter
	NonAdvancingTicks prometheus.Counter
	OrdersPlaced    *prometheus.CounterVec
	OrdersCanceled  *prometheus.CounterVec
	OrdersFilled    *prometheus.CounterVec
	CoolDownBlocked *prometheus.CounterVec
	StopLossTrips   *prometheus.CounterVec
	OpenPositions   prometheus.Gauge
	PositionCounterDropped prometheus.Gauge
	ExchangeErrors  prometheus.Counter
}

// New registers every metric against reg and returns the bundle. A nil
// registry uses the default global registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spotagent_ticks_total",
			Help: "Total number of tick loop iterations completed.",
		}),
		NonAdvancingTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spotagent_non_advancing_ticks_total",
			Help: "Total number of ticks skipped due to a non-advancing server timestamp.",
		}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotagent_orders_placed_total",
			Help: "Total number of orders placed, by market and side.",
		}, []string{"market", "side"}),
		OrdersCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotagent_orders_canceled_total",
			Help: "Total number of cancel requests issued, by market.",
		}, []string{"market"}),
		OrdersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotagent_orders_filled_total",
			Help: "Total number of orders observed done with a nonzero fill, by market and side.",
		}, []string{"market", "side"}),
		CoolDownBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotagent_cooldown_blocked_total",
			Help: "Total number of times a market was filtered out by cool-down.",
		}, []string{"market"}),
		StopLossTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotagent_stop_loss_trips_total",
			Help: "Total number of stop-loss triggers, by market.",
		}, []string{"market"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotagent_open_positions",
			Help: "Current number of open positions (counter.added - counter.dropped).",
		}),
		PositionCounterDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotagent_position_counter_dropped",
			Help: "Cumulative count of position counter drops (one per Sold produced).",
		}),
		ExchangeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spotagent_exchange_errors_total",
			Help: "Total number of exchange client errors recorded.",
		}),
	}

	reg.MustRegister(
		m.Ticks, m.NonAdvancingTicks, m.OrdersPlaced, m.OrdersCanceled,
		m.OrdersFilled, m.CoolDownBlocked, m.StopLossTrips, m.OpenPositions,
		m.PositionCounterDropped, m.ExchangeErrors,
	)
	return m
}

// Nop returns a Metrics bundle that is safe to use but registered
// against a private registry, for tests that construct a manager
// without wiring telemetry explicitly.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
