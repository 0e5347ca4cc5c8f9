// internal/model/position.go
package model

import "time"

// Position is the believed position for one (symbol, exchange) pair.
// Quantity is signed: positive long, negative short.
type Position struct {
	Exchange      Exchange  `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Notional returns the absolute position value at the mark price, falling
// back to the entry price before the first mark arrives.
func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	return qty * price
}

// ExchangePosition is an exchange-reported position, used as the
// authoritative side of reconciliation.
type ExchangePosition struct {
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
}

// PositionDiscrepancy records a mismatch between the believed and the
// exchange-reported quantity for one key. Exactly one is produced per
// diverging key per reconciliation run.
type PositionDiscrepancy struct {
	Exchange   Exchange  `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Local      float64   `json:"local"`
	Reported   float64   `json:"reported"`
	ObservedAt time.Time `json:"observed_at"`
}

// Balance is a normalized account balance for one asset.
type Balance struct {
	Exchange Exchange `json:"exchange"`
	Asset    string   `json:"asset"`
	Free     float64  `json:"free"`
	Locked   float64  `json:"locked"`
}
