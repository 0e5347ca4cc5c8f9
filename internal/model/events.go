// internal/model/events.go
package model

import "time"

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventBookSnapshot  EventType = "book_snapshot"
	EventBookUpdate    EventType = "book_update"
	EventTrade         EventType = "trade"
	EventOrderUpdate   EventType = "order_update"
	EventFill          EventType = "fill"
	EventBalanceUpdate EventType = "balance_update"
	EventStatusChange  EventType = "status_change"
)

// StatusChange reports a connector status transition.
type StatusChange struct {
	Exchange Exchange         `json:"exchange"`
	Market   MarketType       `json:"market"`
	Old      ConnectionStatus `json:"old"`
	New      ConnectionStatus `json:"new"`
	Reason   string           `json:"reason,omitempty"`
}

// Event is the envelope carried on every connector stream and through the
// flow manager. Exactly one payload pointer is set, per Type. Seq is
// assigned by the flow manager when the event enters the broadcast log.
type Event struct {
	Type      EventType `json:"type"`
	Exchange  Exchange  `json:"exchange"`
	Symbol    string    `json:"symbol,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Book    *OrderBook    `json:"book,omitempty"`
	Update  *BookUpdate   `json:"update,omitempty"`
	Trade   *Trade        `json:"trade,omitempty"`
	Order   *OrderUpdate  `json:"order,omitempty"`
	Fill    *Fill         `json:"fill,omitempty"`
	Balance *Balance      `json:"balance,omitempty"`
	Status  *StatusChange `json:"status,omitempty"`
}

// StrategySignal is emitted by strategy consumers and routed opaquely to
// the order executor.
type StrategySignal struct {
	Strategy  string       `json:"strategy"`
	Request   OrderRequest `json:"request"`
	CreatedAt time.Time    `json:"created_at"`
}
