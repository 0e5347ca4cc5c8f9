// internal/model/common.go
package model

// Exchange identifies a supported venue.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeBybit   Exchange = "bybit"
	ExchangeKucoin  Exchange = "kucoin"
)

// MarketType defines the type of market (e.g., spot, future).
type MarketType string

const (
	MarketTypeSpot   MarketType = "spot"
	MarketTypeFuture MarketType = "future"
)

// ConnectionStatus tracks the lifecycle of a connector's network session.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusDegraded
	StatusReconnecting
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDegraded:
		return "degraded"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Routable reports whether the router may send orders to a connector in
// this state. Degraded and disconnected venues are excluded.
func (s ConnectionStatus) Routable() bool {
	return s == StatusConnected
}

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Key identifies a (symbol, exchange) pair. Positions and per-key locks are
// indexed by it.
type Key struct {
	Exchange Exchange
	Symbol   string
}
