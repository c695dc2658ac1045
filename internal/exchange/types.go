package exchange

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// TimeInForce controls how long a limit order rests on the book.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

// STP selects the self-trade-prevention mode.
type STP string

const (
	STPCancelNewest   STP = "cn"
	STPCancelOldest   STP = "co"
	STPDecrementCancel STP = "dc"
)

// MarketInfo describes a single market's trading rules, refreshed every
// tick from GetProducts.
type MarketInfo struct {
	Symbol          string
	Status          string
	TradingDisabled bool
	CancelOnly      bool
	PostOnly        bool
	LimitOnly       bool
	BaseMinSize     decimal.Decimal
	BaseMaxSize     decimal.Decimal
	BaseIncrement   decimal.Decimal
	QuoteIncrement  decimal.Decimal
	MinMarketFunds  decimal.Decimal
	MaxMarketFunds  decimal.Decimal
}

// Online reports whether the market currently accepts new orders.
func (m MarketInfo) Online() bool {
	return m.Status == "online" && !m.TradingDisabled && !m.CancelOnly
}

// Validate enforces the invariants spec.md §3 places on MarketInfo.
func (m MarketInfo) Validate() error {
	if !m.BaseIncrement.IsPositive() {
		return fmt.Errorf("market %s: base_increment must be > 0", m.Symbol)
	}
	if !m.QuoteIncrement.IsPositive() {
		return fmt.Errorf("market %s: quote_increment must be > 0", m.Symbol)
	}
	if m.BaseMinSize.LessThan(m.BaseIncrement) {
		return fmt.Errorf("market %s: base_min_size must be >= base_increment", m.Symbol)
	}
	return nil
}

// Fees are the account's current maker/taker fee rates.
type Fees struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// Account is a single currency balance.
type Account struct {
	ID        string
	Currency  string
	Available decimal.Decimal
	Hold      decimal.Decimal
	Balance   decimal.Decimal
}

// OrderStatus is the exchange-reported status of an order, returned by
// placement and lookup calls (distinct from the tracker's mirror status
// enum, which only distinguishes pending/open/done).
type OrderStatus string

const (
	OrderOpen    OrderStatus = "open"
	OrderPending OrderStatus = "pending"
	OrderActive  OrderStatus = "active"
	OrderDone    OrderStatus = "done"
)

// Order is the exchange's view of a placed order, as returned from
// placement or an explicit lookup.
type Order struct {
	ID            string
	ClientOID     string
	Status        OrderStatus
	Price         decimal.Decimal
	Size          decimal.Decimal
	Funds         decimal.Decimal
	ExecutedValue decimal.Decimal
	FilledSize    decimal.Decimal
	FillFees      decimal.Decimal
	DoneReason    string
	CreatedAt     time.Time
}

// PlaceLimitOrderRequest carries the parameters for a limit order.
type PlaceLimitOrderRequest struct {
	Market      string
	Side        OrderSide
	Price       decimal.Decimal
	Size        decimal.Decimal
	TimeInForce TimeInForce
	PostOnly    bool
	STP         STP
	ClientOID   string
}

// PlaceMarketOrderRequest carries the parameters for a market order.
// Exactly one of Size (base units) or Funds (quote units) must be set;
// buys are sized by Funds, sells by Size, per spec.md §4.B.
type PlaceMarketOrderRequest struct {
	Market    string
	Side      OrderSide
	Size      decimal.Decimal
	Funds     decimal.Decimal
	STP       STP
	ClientOID string
}
