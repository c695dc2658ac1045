package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensqt/spotagent/internal/cooldown"
	"github.com/opensqt/spotagent/internal/exchange"
	"github.com/opensqt/spotagent/internal/logging"
	"github.com/opensqt/spotagent/internal/mockexchange"
	"github.com/opensqt/spotagent/internal/position"
	"github.com/opensqt/spotagent/internal/risk"
	"github.com/opensqt/spotagent/internal/sizing"
	"github.com/opensqt/spotagent/internal/tracker"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ethInfo is a permissive ETH-USD market used by most scenario tests.
func ethInfo() exchange.MarketInfo {
	return exchange.MarketInfo{
		Symbol:         "ETH-USD",
		Status:         "online",
		BaseMinSize:    dec("0.01"),
		BaseMaxSize:    dec("1000"),
		BaseIncrement:  dec("0.00000001"),
		QuoteIncrement: dec("0.01"),
		MinMarketFunds: dec("1"),
		MaxMarketFunds: dec("100000"),
	}
}

type harness struct {
	mgr *Manager
	ex  *mockexchange.Exchange
	tr  *tracker.Tracker
	cd  *cooldown.CoolDown
	cfg Config
}

func newHarness(cfg Config) *harness {
	ex := mockexchange.New()
	ex.SetProduct(ethInfo())
	ex.SetAccount(exchange.Account{Currency: "USD", Available: dec("1000")})
	tr := tracker.New(tracker.Config{}, logging.Nop{})
	// Mirrors cmd/agent/main.go's wiring: the cool-down registry is
	// configured independently of the manager's own Config.
	cd := cooldown.New(time.Minute, time.Minute)
	mgr := New(ex, tr, cd, risk.Default(), nil, cfg, logging.Nop{}, nil)
	return &harness{mgr: mgr, ex: ex, tr: tr, cd: cd, cfg: cfg}
}

func baseConfig() Config {
	return Config{
		QuoteCurrency:      "USD",
		BuyAgeLimit:        time.Minute,
		SellAgeLimit:       time.Minute,
		BuyOrderType:       sizing.LimitOrders,
		SellOrderType:      sizing.LimitOrders,
		TimeInForce:        exchange.GTC,
		ConcentrationLimit: dec("1"),
		POVLimit:           dec("1"),
	}
}

func baseInputs(now time.Time) TickInputs {
	return TickInputs{
		MarketInfo: map[string]exchange.MarketInfo{"ETH-USD": ethInfo()},
		TickTime:   now,
		Prices:     map[string]decimal.Decimal{"ETH-USD": dec("1000")},
		Bids:       map[string]decimal.Decimal{"ETH-USD": dec("1000")},
		Asks:       map[string]decimal.Decimal{"ETH-USD": dec("1000")},
		Volume:     map[string]decimal.Decimal{"ETH-USD": dec("100000")},
		AUM:        dec("100"),
	}
}

// S1 — Happy buy/sell (spec.md §8).
func TestS1HappyBuySell(t *testing.T) {
	h := newHarness(baseConfig())
	now := time.Now()

	in := baseInputs(now)
	in.BuyWeights = map[string]decimal.Decimal{"ETH-USD": dec("1.0")}

	require.NoError(t, h.mgr.Tick(context.Background(), in))

	require.Len(t, h.mgr.pendingLimitBuys, 1)
	pending := h.mgr.pendingLimitBuys[0]
	assert.True(t, pending.Price.Equal(dec("1000")))
	assert.True(t, pending.Size.Sub(dec("0.1")).Abs().LessThan(dec("0.0001")), "size %s should be ~0.1", pending.Size)
	assert.Equal(t, int64(0), h.mgr.Counter().Added(), "no ActivePosition yet: order hasn't filled")

	// Drive the mirror through received -> open -> match -> done. Event
	// times are pushed past order_wait_time so checkPendingLimitBuys's
	// "has the tracker observed anything since placement" gate clears.
	orderID := pending.OrderID
	evTime := now.Add(2 * time.Second)
	h.tr.Ingest(tracker.Event{Type: "received", Time: evTime, OrderID: orderID, Size: pending.Size, Price: pending.Price})
	h.tr.Ingest(tracker.Event{Type: "open", Time: evTime, OrderID: orderID})
	h.tr.Ingest(tracker.Event{Type: "match", Time: evTime, MakerOrderID: orderID, Size: pending.Size, Price: dec("1000"), MakerFeeRate: dec("0.001")})
	h.tr.Ingest(tracker.Event{Type: "done", Time: evTime, OrderID: orderID, Reason: "filled"})

	// Next tick must be past the 1s order-wait-time floor.
	in2 := baseInputs(now.Add(2 * time.Second))
	require.NoError(t, h.mgr.Tick(context.Background(), in2))

	require.Len(t, h.mgr.activePositions, 1)
	ap := h.mgr.activePositions[0]
	assert.True(t, ap.Price.Equal(dec("1000")))
	assert.True(t, ap.Size.Equal(pending.Size))
	assert.True(t, ap.Fees.IsPositive())
	assert.Equal(t, int64(1), h.mgr.Counter().Added())
	assert.Len(t, h.mgr.pendingLimitBuys, 0)
}

// S2 — Age-limit cancel (spec.md §8): an aged pending buy gets canceled,
// and a subsequent zero-fill done drops it with no net counter change.
func TestS2AgeLimitCancel(t *testing.T) {
	cfg := baseConfig()
	cfg.BuyAgeLimit = 5 * time.Second
	h := newHarness(cfg)
	t0 := time.Now()

	in := baseInputs(t0)
	in.BuyWeights = map[string]decimal.Decimal{"ETH-USD": dec("1.0")}
	require.NoError(t, h.mgr.Tick(context.Background(), in))
	require.Len(t, h.mgr.pendingLimitBuys, 1)
	orderID := h.mgr.pendingLimitBuys[0].OrderID

	// Pushed 2s past t0 so the order_wait_time gate clears before the
	// age-limit check below runs.
	h.tr.Ingest(tracker.Event{Type: "received", Time: t0.Add(2 * time.Second), OrderID: orderID})
	h.tr.Ingest(tracker.Event{Type: "open", Time: t0.Add(2 * time.Second), OrderID: orderID})

	// t0 + buy_age_limit + 1s: the manager must cancel.
	past := t0.Add(cfg.BuyAgeLimit + time.Second)
	in2 := baseInputs(past)
	require.NoError(t, h.mgr.Tick(context.Background(), in2))
	require.Len(t, h.mgr.pendingLimitBuys, 1, "still pending while cancel is in flight")

	order, err := h.ex.GetOrderByClientOID(context.Background(), h.mgr.pendingLimitBuys[0].ClientOID)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderDone, order.Status, "mock exchange marks canceled orders done with zero fill")

	h.tr.Ingest(tracker.Event{Type: "done", Time: past, OrderID: orderID, Reason: "canceled"})

	in3 := baseInputs(past.Add(2 * time.Second))
	require.NoError(t, h.mgr.Tick(context.Background(), in3))

	assert.Len(t, h.mgr.pendingLimitBuys, 0)
	assert.Len(t, h.mgr.activePositions, 0)
	assert.Equal(t, int64(0), h.mgr.Counter().Added())
	assert.Equal(t, int64(0), h.mgr.Counter().Dropped(), "a buy that never filled was never Added, so it must not be Dropped either")
}

// S3 — Partial fill on cancel (spec.md §8): a canceled pending sell with
// a partial fill emits one Sold(size=filled) and one DesiredMarketSell
// for the remainder, leaving the open-position counter unchanged.
func TestS3PartialFillOnCancel(t *testing.T) {
	h := newHarness(baseConfig())
	now := time.Now()

	root := h.mgr.nextRoot("ETH-USD", now)
	active := position.NewActivePosition(root, "ETH-USD", dec("1000"), dec("1.0"), decimal.Zero, now, "test_open", now)
	h.mgr.activePositions = append(h.mgr.activePositions, active)
	h.mgr.counter.Add()

	desired := position.NewDesiredLimitSell(active, dec("1.0"), false, "test_sell", now)
	pending := position.NewPendingLimitSell(desired, "sell-order-1", "client-1", dec("1000"), now)
	h.mgr.pendingLimitSells = append(h.mgr.pendingLimitSells, pending)

	evTime := now.Add(2 * time.Second)
	h.tr.Ingest(tracker.Event{Type: "received", Time: evTime, OrderID: "sell-order-1"})
	h.tr.Ingest(tracker.Event{Type: "match", Time: evTime, MakerOrderID: "sell-order-1", Size: dec("0.4"), Price: dec("1000"), MakerFeeRate: dec("0.001")})
	h.tr.Ingest(tracker.Event{Type: "done", Time: evTime, OrderID: "sell-order-1", Reason: "canceled"})

	in := baseInputs(now.Add(2 * time.Second))
	require.NoError(t, h.mgr.Tick(context.Background(), in))

	require.Len(t, h.mgr.sold, 1)
	assert.True(t, h.mgr.sold[0].Size.Equal(dec("0.4")))
	// The remainder's DesiredMarketSell is placed later in the same tick
	// (phase 8), so it is observed as the predecessor of the new pending
	// market sell.
	require.Len(t, h.mgr.pendingMarketSells, 1)
	remainderSell, ok := h.mgr.pendingMarketSells[0].Previous().(*position.DesiredMarketSell)
	require.True(t, ok, "the pending market sell must descend from the remainder's DesiredMarketSell")
	assert.True(t, remainderSell.Size.Equal(dec("0.6")))
	assert.Equal(t, int64(2), h.mgr.Counter().Added(), "original ActivePosition Add plus the remainder's re-Add on partial exit")
	assert.Equal(t, int64(1), h.mgr.Counter().Dropped())
	assert.Equal(t, int64(1), h.mgr.Counter().Open(), "one Sold drop against two Adds nets to one still-open position")
}

// S4 — Stop-loss trigger (spec.md §8).
func TestS4StopLossTrigger(t *testing.T) {
	cfg := baseConfig()
	h := newHarness(cfg)
	now := time.Now()

	root := h.mgr.nextRoot("ETH-USD", now)
	active := position.NewActivePosition(root, "ETH-USD", dec("100"), dec("1.0"), decimal.Zero, now, "test_open", now)
	h.mgr.activePositions = append(h.mgr.activePositions, active)
	h.mgr.counter.Add()

	in := baseInputs(now)
	in.Asks = map[string]decimal.Decimal{"ETH-USD": dec("98")}
	in.Prices = map[string]decimal.Decimal{"ETH-USD": dec("98")}
	in.Bids = map[string]decimal.Decimal{"ETH-USD": dec("98")}
	require.NoError(t, h.mgr.Tick(context.Background(), in))

	require.Len(t, h.mgr.pendingLimitSells, 1)
	sell := h.mgr.pendingLimitSells[0]
	assert.True(t, sell.StopSale)
	assert.True(t, sell.Size.Equal(dec("1.0")))
	assert.True(t, h.cd.CoolingDown("ETH-USD"), "stop-loss must register a sell cool-down")
}

// S5 — Concentration cap (spec.md §8): existing exposure plus spending
// limit must be capped so only the remaining concentration headroom is
// spent.
func TestS5ConcentrationCap(t *testing.T) {
	cfg := baseConfig()
	cfg.ConcentrationLimit = dec("0.2") // 20% of AUM=1000 -> 200 cap
	cfg.POVLimit = dec("1")
	h := newHarness(cfg)
	now := time.Now()

	root := h.mgr.nextRoot("ETH-USD", now)
	active := position.NewActivePosition(root, "ETH-USD", dec("1000"), dec("0.19"), decimal.Zero, now, "test_open", now) // 190 exposure
	h.mgr.activePositions = append(h.mgr.activePositions, active)
	h.mgr.counter.Add()

	in := baseInputs(now)
	in.AUM = dec("1000")
	in.Volume = map[string]decimal.Decimal{"ETH-USD": dec("1000000")}
	in.BuyWeights = map[string]decimal.Decimal{"ETH-USD": dec("1.0")}
	require.NoError(t, h.mgr.Tick(context.Background(), in))

	require.Len(t, h.mgr.pendingLimitBuys, 1, "the ~10 of remaining headroom clears ETH-USD's base_min_size, so an order must place")
	buy := h.mgr.pendingLimitBuys[0]
	fundsSpent := buy.Price.Mul(buy.Size)
	assert.True(t, fundsSpent.LessThanOrEqual(dec("10.01")), "at most ~10 of additional funds should clear the 200 concentration cap given 190 already exposed, got %s", fundsSpent)
}

// S6 — Idempotent retry (spec.md §8): a transport failure on the first
// placement attempt, resolved via get-order-by-client-oid, must result
// in exactly one PendingLimitBuy rather than a duplicate.
func TestS6IdempotentRetry(t *testing.T) {
	h := newHarness(baseConfig())
	now := time.Now()

	flaky := &flakyOnceExchange{Exchange: h.ex}
	h.mgr.exchange = flaky

	in := baseInputs(now)
	in.BuyWeights = map[string]decimal.Decimal{"ETH-USD": dec("1.0")}
	require.NoError(t, h.mgr.Tick(context.Background(), in))

	require.Len(t, h.mgr.pendingLimitBuys, 1, "exactly one pending buy must be recorded despite the first attempt's transport error")
	assert.Equal(t, 1, flaky.attempts, "the manager must not issue a second placement call once client-oid lookup resolves the order")
}

// flakyOnceExchange simulates a transport failure on the first placement
// attempt that nonetheless landed server-side, resolved via a client-oid
// lookup within that same call — the same outcome internal/exchange's
// RESTClient.placeWithIdempotentRetry produces (see client_test.go for a
// test of that retry loop itself against a real HTTP transport). From the
// manager's perspective PlaceLimitOrder either succeeds or fails outright;
// it has no retry loop of its own, so this double resolves internally
// rather than surfacing the transient error to the caller.
type flakyOnceExchange struct {
	*mockexchange.Exchange
	attempts int
}

func (f *flakyOnceExchange) PlaceLimitOrder(ctx context.Context, req exchange.PlaceLimitOrderRequest) (exchange.Order, error) {
	f.attempts++
	if req.ClientOID == "" {
		req.ClientOID = "forced-client-oid-for-test"
	}
	if f.attempts == 1 {
		if _, err := f.Exchange.PlaceLimitOrder(ctx, req); err != nil {
			return exchange.Order{}, err
		}
		return f.Exchange.GetOrderByClientOID(ctx, req.ClientOID)
	}
	return f.Exchange.PlaceLimitOrder(ctx, req)
}

var _ exchange.Client = (*flakyOnceExchange)(nil)
