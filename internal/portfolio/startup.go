package portfolio

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensqt/spotagent/internal/exchange"
	"github.com/opensqt/spotagent/internal/position"
)

// settleWait is how long Reconcile waits after canceling all open
// orders before reading balances, giving fills and cancellations time
// to post (spec.md §4.H "Startup reconciliation").
const settleWait = 15 * time.Second

// Reconcile runs the agent's startup sequence: cancel every open order
// left over from a previous run, wait for the exchange to settle, then
// materialize an ActivePosition for every nonzero non-quote balance
// whose market is listed, not blacklisted, and at least base_min_size,
// tagged as downloaded rather than bought by this process.
func (m *Manager) Reconcile(ctx context.Context) error {
	if err := m.exchange.CancelAll(ctx); err != nil {
		return err
	}

	select {
	case <-time.After(settleWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	products, err := m.exchange.GetProducts(ctx)
	if err != nil {
		return err
	}
	marketInfo := make(map[string]exchange.MarketInfo, len(products))
	for _, p := range products {
		marketInfo[p.Symbol] = p
	}

	accounts, err := m.exchange.GetAccounts(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, a := range accounts {
		if a.Currency == m.cfg.QuoteCurrency {
			m.in.AUM = a.Available
			continue
		}
		if !a.Balance.IsPositive() {
			continue
		}

		market := a.Currency + "-" + m.cfg.QuoteCurrency
		if m.cfg.Blacklist[market] {
			continue
		}
		info, known := marketInfo[market]
		if !known {
			m.logger.Warn("skipping reconciled balance: unknown market", "market", market, "size", a.Balance)
			continue
		}
		if a.Balance.LessThan(info.BaseMinSize) {
			m.logger.Warn("skipping reconciled balance below base_min_size", "market", market, "size", a.Balance)
			continue
		}

		root := m.nextRoot(market, now)
		// Entry price is unknown for a reconciled balance; it is recorded
		// as zero, and StopLoss.Trigger never fires on a zero entry price.
		ap := position.NewActivePosition(root, market, decimal.Zero, a.Balance, decimal.Zero, now, "downloaded", now)
		m.activePositions = append(m.activePositions, ap)
		m.counter.Add()
		m.logger.Info("reconciled existing balance into active position", "market", market, "size", a.Balance)
	}

	return nil
}

// Shutdown cancels every outstanding order, optionally liquidates every
// open position at market, and stops the tracker (spec.md §4.H
// "Shutdown").
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.exchange.CancelAll(ctx); err != nil {
		m.logger.Error("shutdown: cancel_all failed", "error", err)
	}

	if m.cfg.LiquidateOnShutdown {
		for _, ap := range m.activePositions {
			info, ok := m.in.MarketInfo[ap.Market()]
			if !ok || !info.Online() {
				continue
			}
			size := ap.Size
			if size.LessThan(info.BaseMinSize) {
				continue
			}
			_, err := m.exchange.PlaceMarketOrder(ctx, exchange.PlaceMarketOrderRequest{
				Market: ap.Market(),
				Side:   exchange.Sell,
				Size:   size,
				STP:    exchange.STPCancelOldest,
			})
			if err != nil {
				m.logger.Error("shutdown liquidation failed", "market", ap.Market(), "error", err)
			}
		}
	}

	m.tracker.Stop()
	return nil
}
