// internal/model/order.go
package model

import "time"

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls how long a limit order rests.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus enumerates the executor's order state machine.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderRouted          OrderStatus = "routed"
	OrderSubmitted       OrderStatus = "submitted"
	OrderAcknowledged    OrderStatus = "acknowledged"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderRejected        OrderStatus = "rejected"
	OrderCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	default:
		return false
	}
}

// OrderRequest is the caller-facing request to place an order. Price is
// ignored for market orders.
type OrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	// Exchange pins the order to one venue, bypassing routing. Empty
	// lets the router choose.
	Exchange    Exchange    `json:"exchange,omitempty"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Quantity    float64     `json:"quantity"`
	Price       float64     `json:"price"`
	TimeInForce TimeInForce `json:"time_in_force"`
	ReduceOnly  bool        `json:"reduce_only"`
}

// Order is the executor-owned record of an order lifecycle. The exchange
// order id is absent until acknowledgment.
type Order struct {
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	Exchange        Exchange    `json:"exchange"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Type            OrderType   `json:"type"`
	Quantity        float64     `json:"quantity"`
	Price           float64     `json:"price"`
	FilledQuantity  float64     `json:"filled_quantity"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	Status          OrderStatus `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Notional returns the order value at its limit price, or at the provided
// reference price for market orders.
func (r OrderRequest) Notional(referencePrice float64) float64 {
	price := r.Price
	if r.Type == OrderTypeMarket || price <= 0 {
		price = referencePrice
	}
	return price * r.Quantity
}

// OrderUpdate is a normalized user-stream order event.
type OrderUpdate struct {
	Exchange        Exchange    `json:"exchange"`
	Symbol          string      `json:"symbol"`
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
	FilledQuantity  float64     `json:"filled_quantity"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Fill is a normalized execution report.
type Fill struct {
	Exchange        Exchange  `json:"exchange"`
	Symbol          string    `json:"symbol"`
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	TradeID         string    `json:"trade_id"`
	Side            Side      `json:"side"`
	Price           float64   `json:"price"`
	Quantity        float64   `json:"quantity"`
	Commission      float64   `json:"commission"`
	CommissionAsset string    `json:"commission_asset"`
	Timestamp       time.Time `json:"timestamp"`
}
