package portfolio

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensqt/spotagent/internal/decimalx"
	"github.com/opensqt/spotagent/internal/exchange"
	"github.com/opensqt/spotagent/internal/position"
	"github.com/opensqt/spotagent/internal/sizing"
	"github.com/opensqt/spotagent/internal/tracker"
)

// pendingBuyAction is the outcome of evaluating one pending buy against
// the order snapshot.
type pendingBuyAction int

const (
	actionKeep pendingBuyAction = iota
	actionCancelAged
	actionDroppedNoFill
	actionFilled
)

// evaluatePendingBuy implements the shared pending-buy decision rule
// (spec.md §4.H "Pending-buy advancement"), independent of whether the
// order is a limit or market buy.
func (m *Manager) evaluatePendingBuy(createdAt, tickTime time.Time, orderID string) (pendingBuyAction, tracker.OrderView) {
	if m.orderSnapshotT.Sub(createdAt) < orderWaitTime {
		return actionKeep, tracker.OrderView{}
	}

	view, found := m.orders[orderID]
	if !found {
		return actionDroppedNoFill, tracker.OrderView{}
	}

	switch view.Status {
	case "open", "pending", "active":
		if tickTime.Sub(createdAt) > m.cfg.BuyAgeLimit {
			return actionCancelAged, view
		}
		return actionKeep, view
	case "done":
		return actionFilled, view
	default:
		m.logger.Warn("unknown order status for pending buy", "order_id", orderID, "status", view.Status)
		return actionKeep, view
	}
}

// checkPendingLimitBuys advances every outstanding limit buy order
// against this tick's order snapshot (spec.md §4.H "Pending-buy
// advancement").
func (m *Manager) checkPendingLimitBuys(ctx context.Context) {
	var keep []*position.PendingLimitBuy
	for _, b := range m.pendingLimitBuys {
		action, view := m.evaluatePendingBuy(b.CreatedAt(), m.in.TickTime, b.OrderID)
		switch action {
		case actionKeep:
			keep = append(keep, b)
		case actionCancelAged:
			if err := m.exchange.CancelOrder(ctx, b.OrderID); err != nil {
				m.logger.Warn("cancel aged pending buy failed; will retry next tick", "order_id", b.OrderID, "error", err)
			} else if m.metrics != nil {
				m.metrics.OrdersCanceled.WithLabelValues(b.Market()).Inc()
			}
			keep = append(keep, b)
		case actionDroppedNoFill:
			m.logger.Info("pending limit buy externally canceled with no fill", "market", b.Market(), "order_id", b.OrderID)
			m.tracker.Forget(b.OrderID)
		case actionFilled:
			m.tracker.Forget(b.OrderID)
			if view.FilledSize.IsPositive() {
				price := view.ExecutedValue.Div(view.FilledSize)
				ap := position.NewActivePosition(b, b.Market(), price, view.FilledSize, view.FillFees, b.CreatedAt(), "buy_filled", m.in.TickTime)
				m.activePositions = append(m.activePositions, ap)
				m.counter.Add()
				if m.metrics != nil {
					m.metrics.OrdersFilled.WithLabelValues(b.Market(), "buy").Inc()
				}
			}
		}
	}
	m.pendingLimitBuys = keep
}

func (m *Manager) checkPendingMarketBuys(ctx context.Context) {
	var keep []*position.PendingMarketBuy
	for _, b := range m.pendingMarketBuys {
		action, view := m.evaluatePendingBuy(b.CreatedAt(), m.in.TickTime, b.OrderID)
		switch action {
		case actionKeep:
			keep = append(keep, b)
		case actionCancelAged:
			if err := m.exchange.CancelOrder(ctx, b.OrderID); err != nil {
				m.logger.Warn("cancel aged pending buy failed; will retry next tick", "order_id", b.OrderID, "error", err)
			} else if m.metrics != nil {
				m.metrics.OrdersCanceled.WithLabelValues(b.Market()).Inc()
			}
			keep = append(keep, b)
		case actionDroppedNoFill:
			m.logger.Info("pending market buy externally canceled with no fill", "market", b.Market(), "order_id", b.OrderID)
			m.tracker.Forget(b.OrderID)
		case actionFilled:
			m.tracker.Forget(b.OrderID)
			if view.FilledSize.IsPositive() {
				price := view.ExecutedValue.Div(view.FilledSize)
				ap := position.NewActivePosition(b, b.Market(), price, view.FilledSize, view.FillFees, b.CreatedAt(), "buy_filled", m.in.TickTime)
				m.activePositions = append(m.activePositions, ap)
				m.counter.Add()
				if m.metrics != nil {
					m.metrics.OrdersFilled.WithLabelValues(b.Market(), "buy").Inc()
				}
			}
		}
	}
	m.pendingMarketBuys = keep
}

// queueBuys derives DesiredLimitBuy/DesiredMarketBuy intents from the
// sizing pipeline's output (spec.md §4.H "queue_buys").
func (m *Manager) queueBuys() {
	cooling := func(market string) bool { return m.cooldown.CoolingDown(market) }
	if m.breaker != nil && m.breaker.IsTripped() {
		m.logger.Warn("circuit breaker tripped; skipping buy queue this tick")
		return
	}

	kind := sizing.LimitOrders
	if m.cfg.BuyOrderType == sizing.MarketOrders {
		kind = sizing.MarketOrders
	}

	weights := sizing.BuildWeights(sizing.Inputs{
		Weights:            m.in.BuyWeights,
		SpendingLimit:      m.in.AUM,
		Prices:             m.in.Prices,
		MarketInfo:         m.in.MarketInfo,
		Exposure:           m.inFlightBuyExposure(),
		Volume:             m.in.Volume,
		AUM:                m.in.AUM,
		ConcentrationLimit: m.cfg.ConcentrationLimit,
		POVLimit:           m.cfg.POVLimit,
		CoolingDown:        cooling,
		Blacklist:          m.cfg.Blacklist,
		Kind:               kind,
		Horizon:            m.cfg.BuyHorizon,
		LastTickDuration:   m.lastTickDuration,
	})

	for market, weight := range weights {
		if !weight.IsPositive() {
			continue
		}
		info, ok := m.in.MarketInfo[market]
		if !ok || !info.Online() {
			continue
		}
		// Limit buys price off the bid, per spec.md §4.H "Desired-buy
		// placement" ("Limit buy price = bid quantized DOWN").
		price := m.in.Bids[market]
		funds := weight.Mul(m.in.AUM)
		root := m.nextRoot(market, m.in.TickTime)

		if kind == sizing.MarketOrders {
			m.desiredMarketBuys = append(m.desiredMarketBuys, position.NewDesiredMarketBuy(root, market, funds, m.in.TickTime))
			continue
		}

		if !price.IsPositive() {
			continue
		}
		size := funds.Div(price)
		m.desiredLimitBuys = append(m.desiredLimitBuys, position.NewDesiredLimitBuy(root, market, price, size, m.in.TickTime))
	}
}

// inFlightBuyExposure sums the quote-currency exposure already committed
// to market m: in-flight buys plus currently-held ActivePosition value,
// for the sizing pipeline's E(m) term (spec.md §8 "Concentration law":
// buys counted at funds or size·price, actives at size·price).
func (m *Manager) inFlightBuyExposure() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, b := range m.pendingLimitBuys {
		out[b.Market()] = out[b.Market()].Add(b.Price.Mul(b.Size))
	}
	for _, b := range m.pendingMarketBuys {
		out[b.Market()] = out[b.Market()].Add(b.Funds)
	}
	for _, b := range m.desiredLimitBuys {
		out[b.Market()] = out[b.Market()].Add(b.Price.Mul(b.Size))
	}
	for _, b := range m.desiredMarketBuys {
		out[b.Market()] = out[b.Market()].Add(b.Funds)
	}
	for _, ap := range m.activePositions {
		out[ap.Market()] = out[ap.Market()].Add(ap.Price.Mul(ap.Size))
	}
	return out
}

// checkDesiredLimitBuys places every queued limit buy intent (spec.md
// §4.H "Desired-buy placement").
func (m *Manager) checkDesiredLimitBuys(ctx context.Context) {
	var remaining []*position.DesiredLimitBuy
	for _, d := range m.desiredLimitBuys {
		info, ok := m.in.MarketInfo[d.Market()]
		if !ok || !info.Online() {
			continue
		}

		price := decimalx.Quantize(d.Price, info.QuoteIncrement, decimalx.RoundDown)
		size := decimalx.Quantize(d.Size, info.BaseIncrement, decimalx.RoundDown)
		size = decimalx.Clamp(size, info.BaseMinSize, info.BaseMaxSize)
		if size.LessThan(info.BaseMinSize) {
			continue
		}

		tif := m.cfg.TimeInForce
		postOnly := m.cfg.PostOnly || info.PostOnly
		if postOnly {
			tif = exchange.GTC
		}

		order, err := m.exchange.PlaceLimitOrder(ctx, exchange.PlaceLimitOrderRequest{
			Market:      d.Market(),
			Side:        exchange.Buy,
			Price:       price,
			Size:        size,
			TimeInForce: tif,
			PostOnly:    postOnly,
			STP:         exchange.STPCancelNewest,
		})
		if err != nil {
			m.handlePlacementFailure(d.Market(), err)
			if isRejection(err) {
				remaining = append(remaining, d)
			}
			continue
		}

		m.tracker.Remember(order.ID)
		m.cooldown.Bought(d.Market())
		m.pendingLimitBuys = append(m.pendingLimitBuys, position.NewPendingLimitBuy(d, order.ID, order.ClientOID, m.in.TickTime))
		if m.metrics != nil {
			m.metrics.OrdersPlaced.WithLabelValues(d.Market(), "buy").Inc()
		}
	}
	m.desiredLimitBuys = remaining
}

func (m *Manager) checkDesiredMarketBuys(ctx context.Context) {
	var remaining []*position.DesiredMarketBuy
	for _, d := range m.desiredMarketBuys {
		info, ok := m.in.MarketInfo[d.Market()]
		if !ok || !info.Online() || info.LimitOnly {
			continue
		}

		funds := decimalx.Quantize(d.Funds, info.QuoteIncrement, decimalx.RoundDown)
		funds = decimalx.Clamp(funds, info.MinMarketFunds, info.MaxMarketFunds)
		if funds.LessThan(info.MinMarketFunds) {
			continue
		}

		order, err := m.exchange.PlaceMarketOrder(ctx, exchange.PlaceMarketOrderRequest{
			Market: d.Market(),
			Side:   exchange.Buy,
			Funds:  funds,
			STP:    exchange.STPCancelNewest,
		})
		if err != nil {
			m.handlePlacementFailure(d.Market(), err)
			if isRejection(err) {
				remaining = append(remaining, d)
			}
			continue
		}

		m.tracker.Remember(order.ID)
		m.cooldown.Bought(d.Market())
		m.pendingMarketBuys = append(m.pendingMarketBuys, position.NewPendingMarketBuy(d, order.ID, order.ClientOID, m.in.TickTime))
		if m.metrics != nil {
			m.metrics.OrdersPlaced.WithLabelValues(d.Market(), "buy").Inc()
		}
	}
	m.desiredMarketBuys = remaining
}

// handlePlacementFailure logs a placement error, downgrading well-known
// exchange rejections to Info (spec.md §7: rejections are expected
// traffic, not operational errors).
func (m *Manager) handlePlacementFailure(market string, err error) {
	if rej, ok := err.(*exchange.RejectionError); ok {
		m.logger.Info("order rejected", "market", market, "reason", rej.Reason, "message", rej.Message)
		return
	}
	m.logger.Error("order placement failed", "market", market, "error", err)
	if m.metrics != nil {
		m.metrics.ExchangeErrors.Inc()
	}
}

// isRejection reports whether err is a well-known exchange rejection
// (e.g. "Post only mode"), which spec.md §4.H/§7 says the manager should
// keep its desired state for and retry next tick, rather than a
// transport failure the client has already retried to exhaustion.
func isRejection(err error) bool {
	_, ok := err.(*exchange.RejectionError)
	return ok
}
