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

// pendingSellOutcome is the decision for one pending sell order against
// this tick's order snapshot.
type pendingSellOutcome int

const (
	sellKeep pendingSellOutcome = iota
	sellCancelAged
	sellCanceledNoFill
	sellDone
)

func (m *Manager) evaluatePendingSell(createdAt, tickTime time.Time, orderID string) (pendingSellOutcome, tracker.OrderView) {
	if m.orderSnapshotT.Sub(createdAt) < orderWaitTime {
		return sellKeep, tracker.OrderView{}
	}

	view, found := m.orders[orderID]
	if !found {
		return sellCanceledNoFill, tracker.OrderView{}
	}

	switch view.Status {
	case "open", "pending", "active":
		if tickTime.Sub(createdAt) > m.cfg.SellAgeLimit {
			return sellCancelAged, view
		}
		return sellKeep, view
	case "done":
		return sellDone, view
	default:
		m.logger.Warn("unknown order status for pending sell", "order_id", orderID, "status", view.Status)
		return sellKeep, view
	}
}

// settlePendingSell implements the symmetric "Pending-sell advancement"
// rule: a Sold state is emitted for whatever filled, and a fresh
// DesiredMarketSell picks up anything still unsold, whether because the
// order was externally canceled or because it only partially filled.
// Reaching Sold always drops the counter; a continuation spawned after a
// fill re-adds it, so a full exit nets one Drop and a partial exit nets
// zero, matching spec.md §8 scenario 3. A continuation with no fill
// leaves the counter unchanged.
func (m *Manager) settlePendingSell(prev position.State, market string, origSize decimal.Decimal, stopSale bool, view tracker.OrderView, hadFill bool) {
	if hadFill && view.FilledSize.IsPositive() {
		price := view.ExecutedValue.Div(view.FilledSize)
		sold := position.NewSold(prev, market, price, view.FilledSize, view.FillFees, "sell_filled", m.in.TickTime)
		m.sold = append(m.sold, sold)
		m.counter.Drop()

		remainder := origSize.Sub(view.FilledSize)
		if remainder.IsPositive() {
			m.desiredMarketSells = append(m.desiredMarketSells, position.NewDesiredMarketSell(activePositionOrNil(prev), remainder, stopSale, "sell_partial_remainder", m.in.TickTime))
			m.counter.Add()
		}
		return
	}

	// No fill at all: the manager still intends to exit, so the full
	// original size becomes a fresh market-sell intent with no counter
	// change (the lineage never reached a terminal state).
	m.desiredMarketSells = append(m.desiredMarketSells, position.NewDesiredMarketSell(activePositionOrNil(prev), origSize, stopSale, "sell_canceled_retry", m.in.TickTime))
}

// downgradeSellToActive implements the sell-path half of "On failure with
// a well-known rejection message... downgrade to ActivePosition to avoid
// losing provenance" (spec.md §4.H): rather than keep the failed desired
// sell for a same-tick retry, the size it would have sold rejoins the
// active-position pool so check_active_positions re-evaluates it fresh
// next tick.
func (m *Manager) downgradeSellToActive(d position.State, size decimal.Decimal) {
	ap := activePositionOrNil(d)
	if ap == nil || !size.IsPositive() {
		return
	}
	m.activePositions = append(m.activePositions, position.NewActivePosition(d, ap.Market(), ap.Price, size, decimal.Zero, ap.Start, "sell_rejected_downgrade", m.in.TickTime))
}

// activePositionOrNil walks back to the ActivePosition this sell
// lineage descends from, so the re-queued DesiredMarketSell's
// provenance stays anchored to the original position rather than the
// order that just failed.
func activePositionOrNil(s position.State) *position.ActivePosition {
	for cur := s; cur != nil; cur = cur.Previous() {
		if ap, ok := cur.(*position.ActivePosition); ok {
			return ap
		}
	}
	return nil
}

func (m *Manager) checkPendingLimitSells(ctx context.Context) {
	var keep []*position.PendingLimitSell
	for _, s := range m.pendingLimitSells {
		outcome, view := m.evaluatePendingSell(s.CreatedAt(), m.in.TickTime, s.OrderID)
		switch outcome {
		case sellKeep:
			keep = append(keep, s)
		case sellCancelAged:
			if err := m.exchange.CancelOrder(ctx, s.OrderID); err != nil {
				m.logger.Warn("cancel aged pending sell failed; will retry next tick", "order_id", s.OrderID, "error", err)
			} else if m.metrics != nil {
				m.metrics.OrdersCanceled.WithLabelValues(s.Market()).Inc()
			}
			keep = append(keep, s)
		case sellCanceledNoFill:
			m.tracker.Forget(s.OrderID)
			m.settlePendingSell(s, s.Market(), s.Size, s.StopSale, view, false)
		case sellDone:
			m.tracker.Forget(s.OrderID)
			m.settlePendingSell(s, s.Market(), s.Size, s.StopSale, view, true)
			if view.FilledSize.IsPositive() && m.metrics != nil {
				m.metrics.OrdersFilled.WithLabelValues(s.Market(), "sell").Inc()
			}
		}
	}
	m.pendingLimitSells = keep
}

func (m *Manager) checkPendingMarketSells(ctx context.Context) {
	var keep []*position.PendingMarketSell
	for _, s := range m.pendingMarketSells {
		outcome, view := m.evaluatePendingSell(s.CreatedAt(), m.in.TickTime, s.OrderID)
		switch outcome {
		case sellKeep:
			keep = append(keep, s)
		case sellCancelAged:
			if err := m.exchange.CancelOrder(ctx, s.OrderID); err != nil {
				m.logger.Warn("cancel aged pending sell failed; will retry next tick", "order_id", s.OrderID, "error", err)
			} else if m.metrics != nil {
				m.metrics.OrdersCanceled.WithLabelValues(s.Market()).Inc()
			}
			keep = append(keep, s)
		case sellCanceledNoFill:
			m.tracker.Forget(s.OrderID)
			m.settlePendingSell(s, s.Market(), s.Size, s.StopSale, view, false)
		case sellDone:
			m.tracker.Forget(s.OrderID)
			m.settlePendingSell(s, s.Market(), s.Size, s.StopSale, view, true)
			if view.FilledSize.IsPositive() && m.metrics != nil {
				m.metrics.OrdersFilled.WithLabelValues(s.Market(), "sell").Inc()
			}
		}
	}
	m.pendingMarketSells = keep
}

// compressActivePositions merges every same-market ActivePosition into
// one size-weighted-VWAP position, preserving the earliest start time
// (spec.md §4.H "compress_active_positions").
func (m *Manager) compressActivePositions() {
	byMarket := make(map[string][]*position.ActivePosition)
	for _, ap := range m.activePositions {
		byMarket[ap.Market()] = append(byMarket[ap.Market()], ap)
	}

	var merged []*position.ActivePosition
	for market, list := range byMarket {
		if len(list) == 1 {
			merged = append(merged, list[0])
			continue
		}

		totalSize := decimal.Zero
		totalValue := decimal.Zero
		totalFees := decimal.Zero
		earliest := list[0].Start
		var last position.State = list[0]
		for _, ap := range list {
			totalSize = totalSize.Add(ap.Size)
			totalValue = totalValue.Add(ap.Size.Mul(ap.Price))
			totalFees = totalFees.Add(ap.Fees)
			if ap.Start.Before(earliest) {
				earliest = ap.Start
			}
			last = ap
		}
		if totalSize.IsZero() {
			continue
		}
		vwap := totalValue.Div(totalSize)
		merged = append(merged, position.NewActivePosition(last, market, vwap, totalSize, totalFees, earliest, "compress", m.in.TickTime))
	}
	m.activePositions = merged
}

// checkActivePositions evaluates stop-loss and the sell-weight schedule
// for every held position, carving off the portion to sell this tick
// and keeping the remainder (spec.md §4.H "check_active_positions").
func (m *Manager) checkActivePositions() {
	var keep []*position.ActivePosition
	for _, ap := range m.activePositions {
		info, infoOK := m.in.MarketInfo[ap.Market()]
		ask, haveAsk := m.in.Asks[ap.Market()]
		if !infoOK || !haveAsk || ap.Size.LessThan(info.BaseMinSize) {
			keep = append(keep, ap)
			continue
		}

		stopSale := m.stopLoss.Trigger(ask, ap.Price)
		fraction, wanted := m.in.SellWeights[ap.Market()]
		if !stopSale && (!wanted || !fraction.IsPositive()) {
			keep = append(keep, ap)
			continue
		}
		if stopSale {
			fraction = decimal.NewFromInt(1)
			if m.metrics != nil {
				m.metrics.StopLossTrips.WithLabelValues(ap.Market()).Inc()
			}
		}

		sellSize, remainder := sizing.ComputeSellSize(m.rng, ap.Size, fraction, info.BaseMinSize, info.BaseIncrement)
		if !sellSize.IsPositive() {
			keep = append(keep, ap)
			continue
		}

		kind := m.cfg.SellOrderType
		var desired position.State
		if kind == sizing.MarketOrders {
			desired = position.NewDesiredMarketSell(ap, sellSize, stopSale, "queue_sell", m.in.TickTime)
			m.desiredMarketSells = append(m.desiredMarketSells, desired.(*position.DesiredMarketSell))
		} else {
			desired = position.NewDesiredLimitSell(ap, sellSize, stopSale, "queue_sell", m.in.TickTime)
			m.desiredLimitSells = append(m.desiredLimitSells, desired.(*position.DesiredLimitSell))
		}

		if remainder.IsPositive() {
			clone := position.NewActivePosition(desired, ap.Market(), ap.Price, remainder, decimal.Zero, ap.Start, "drawdown_clone", m.in.TickTime)
			keep = append(keep, clone)
		}
	}
	m.activePositions = keep
}

func (m *Manager) checkDesiredLimitSells(ctx context.Context) {
	var remaining []*position.DesiredLimitSell
	for _, d := range m.desiredLimitSells {
		info, ok := m.in.MarketInfo[d.Market()]
		if !ok || !info.Online() {
			continue
		}
		bid, ok := m.in.Bids[d.Market()]
		if !ok || !bid.IsPositive() {
			continue
		}

		price := decimalx.Quantize(bid, info.QuoteIncrement, decimalx.RoundDown)
		size := decimalx.Quantize(d.Size, info.BaseIncrement, decimalx.RoundDown)
		if size.LessThan(info.BaseMinSize) {
			continue
		}

		stp := exchange.STPCancelOldest
		order, err := m.exchange.PlaceLimitOrder(ctx, exchange.PlaceLimitOrderRequest{
			Market:      d.Market(),
			Side:        exchange.Sell,
			Price:       price,
			Size:        size,
			TimeInForce: m.cfg.TimeInForce,
			STP:         stp,
		})
		if err != nil {
			m.handlePlacementFailure(d.Market(), err)
			m.downgradeSellToActive(d, d.Size)
			continue
		}

		m.tracker.Remember(order.ID)
		m.cooldown.Sold(d.Market())
		m.pendingLimitSells = append(m.pendingLimitSells, position.NewPendingLimitSell(d, order.ID, order.ClientOID, price, m.in.TickTime))
		if m.metrics != nil {
			m.metrics.OrdersPlaced.WithLabelValues(d.Market(), "sell").Inc()
		}
	}
	m.desiredLimitSells = remaining
}

func (m *Manager) checkDesiredMarketSells(ctx context.Context) {
	var remaining []*position.DesiredMarketSell
	for _, d := range m.desiredMarketSells {
		info, ok := m.in.MarketInfo[d.Market()]
		if !ok || !info.Online() {
			continue
		}

		size := decimalx.Quantize(d.Size, info.BaseIncrement, decimalx.RoundDown)
		if size.LessThan(info.BaseMinSize) {
			continue
		}

		stp := exchange.STPDecrementCancel
		if d.StopSale {
			stp = exchange.STPCancelOldest
		}
		order, err := m.exchange.PlaceMarketOrder(ctx, exchange.PlaceMarketOrderRequest{
			Market: d.Market(),
			Side:   exchange.Sell,
			Size:   size,
			STP:    stp,
		})
		if err != nil {
			m.handlePlacementFailure(d.Market(), err)
			m.downgradeSellToActive(d, d.Size)
			continue
		}

		m.tracker.Remember(order.ID)
		m.cooldown.Sold(d.Market())
		m.pendingMarketSells = append(m.pendingMarketSells, position.NewPendingMarketSell(d, order.ID, order.ClientOID, m.in.TickTime))
		if m.metrics != nil {
			m.metrics.OrdersPlaced.WithLabelValues(d.Market(), "sell").Inc()
		}
	}
	m.desiredMarketSells = remaining
}

// setPortfolioAvailableFunds refreshes the quote-currency balance used
// by the sizing pipeline's spending limit on the following tick
// (spec.md §4.H "set_portfolio_available_funds"). Errors are logged and
// swallowed: a stale balance is safer than aborting the tick.
func (m *Manager) setPortfolioAvailableFunds(ctx context.Context) {
	accounts, err := m.exchange.GetAccounts(ctx)
	if err != nil {
		m.logger.Warn("failed to refresh portfolio available funds", "error", err)
		return
	}
	for _, a := range accounts {
		if a.Currency == m.cfg.QuoteCurrency {
			m.in.AUM = a.Available
			return
		}
	}
}
