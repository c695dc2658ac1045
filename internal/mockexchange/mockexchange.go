// Package mockexchange implements exchange.Client in memory, grounded
// on the teacher's mock order executor, for deterministic tests of the
// portfolio manager and exchange client callers without a live venue.
package mockexchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensqt/spotagent/internal/exchange"
)

// Exchange is an in-memory order book. Market orders fill instantly at
// FillPrice (or the order's size/funds, converted at FillPrice);
// limit orders rest open until the test calls Fill on them explicitly
// or they are canceled.
type Exchange struct {
	mu sync.Mutex

	products map[string]exchange.MarketInfo
	accounts map[string]exchange.Account
	fees     exchange.Fees
	orders   map[string]exchange.Order
	byClient map[string]string

	FillPrice decimal.Decimal
	Now       func() time.Time
}

// New builds an empty mock exchange. Register markets and balances with
// SetProduct/SetAccount before use.
func New() *Exchange {
	return &Exchange{
		products:  make(map[string]exchange.MarketInfo),
		accounts:  make(map[string]exchange.Account),
		orders:    make(map[string]exchange.Order),
		byClient:  make(map[string]string),
		FillPrice: decimal.NewFromInt(1),
		Now:       time.Now,
	}
}

func (e *Exchange) SetProduct(info exchange.MarketInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.products[info.Symbol] = info
}

func (e *Exchange) SetAccount(a exchange.Account) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accounts[a.Currency] = a
}

func (e *Exchange) SetFees(f exchange.Fees) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fees = f
}

func (e *Exchange) GetProducts(ctx context.Context) ([]exchange.MarketInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]exchange.MarketInfo, 0, len(e.products))
	for _, p := range e.products {
		out = append(out, p)
	}
	return out, nil
}

func (e *Exchange) GetAccounts(ctx context.Context) ([]exchange.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]exchange.Account, 0, len(e.accounts))
	for _, a := range e.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (e *Exchange) GetAccount(ctx context.Context, id string) (exchange.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return exchange.Account{}, exchange.ErrOrderNotFound
}

func (e *Exchange) GetFees(ctx context.Context) (exchange.Fees, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees, nil
}

func (e *Exchange) GetServerTime(ctx context.Context) (time.Time, error) {
	return e.Now(), nil
}

func (e *Exchange) PlaceLimitOrder(ctx context.Context, req exchange.PlaceLimitOrderRequest) (exchange.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOID == "" {
		req.ClientOID = uuid.NewString()
	}
	if id, ok := e.byClient[req.ClientOID]; ok {
		return e.orders[id], nil
	}

	order := exchange.Order{
		ID:        uuid.NewString(),
		ClientOID: req.ClientOID,
		Status:    exchange.OrderOpen,
		Price:     req.Price,
		Size:      req.Size,
		CreatedAt: e.Now(),
	}
	e.orders[order.ID] = order
	e.byClient[order.ClientOID] = order.ID
	return order, nil
}

func (e *Exchange) PlaceMarketOrder(ctx context.Context, req exchange.PlaceMarketOrderRequest) (exchange.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOID == "" {
		req.ClientOID = uuid.NewString()
	}
	if id, ok := e.byClient[req.ClientOID]; ok {
		return e.orders[id], nil
	}

	size := req.Size
	if size.IsZero() && req.Funds.IsPositive() {
		size = req.Funds.Div(e.FillPrice)
	}
	funds := req.Funds
	if funds.IsZero() {
		funds = size.Mul(e.FillPrice)
	}

	order := exchange.Order{
		ID:            uuid.NewString(),
		ClientOID:     req.ClientOID,
		Status:        exchange.OrderDone,
		Size:          size,
		Funds:         funds,
		ExecutedValue: funds,
		FilledSize:    size,
		FillFees:      funds.Mul(e.fees.Taker),
		DoneReason:    "filled",
		CreatedAt:     e.Now(),
	}
	e.orders[order.ID] = order
	e.byClient[order.ClientOID] = order.ID
	return order, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return exchange.ErrOrderNotFound
	}
	if o.Status != exchange.OrderDone {
		o.Status = exchange.OrderDone
		o.DoneReason = "canceled"
		e.orders[orderID] = o
	}
	return nil
}

func (e *Exchange) CancelAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, o := range e.orders {
		if o.Status != exchange.OrderDone {
			o.Status = exchange.OrderDone
			o.DoneReason = "canceled"
			e.orders[id] = o
		}
	}
	return nil
}

func (e *Exchange) GetOrderByClientOID(ctx context.Context, clientOID string) (exchange.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byClient[clientOID]
	if !ok {
		return exchange.Order{}, exchange.ErrOrderNotFound
	}
	return e.orders[id], nil
}

// Fill marks a resting limit order done with the given fill, for tests
// driving a specific partial- or full-fill scenario.
func (e *Exchange) Fill(orderID string, filledSize, executedValue, fees decimal.Decimal, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return
	}
	o.Status = exchange.OrderDone
	o.FilledSize = filledSize
	o.ExecutedValue = executedValue
	o.FillFees = fees
	o.DoneReason = reason
	e.orders[orderID] = o
}

var _ exchange.Client = (*Exchange)(nil)
