// internal/connector/connector.go
package connector

import (
	"context"

	"crossflow/internal/model"
)

// Connector is the uniform contract every exchange adapter implements.
// One instance owns one network session for one (exchange, market type)
// pair and normalizes everything it produces into the shared model.
//
// MarketData and UserData are independent, ordered push sequences. They
// are finite only on intentional shutdown; after a reconnect the connector
// resumes publishing on the same channels. Snapshot accessors return
// instantly from the local cache and never touch the network.
//
// Trading operations are request/response and fail with a *model.Error
// carrying the kind; a timed-out operation returns ErrUnknownOutcome and
// the caller must reconcile rather than assume either result.
type Connector interface {
	Exchange() model.Exchange
	MarketType() model.MarketType
	Name() string

	// Connect and Disconnect are idempotent: connecting while already
	// connected is a no-op, not an error.
	Connect(ctx context.Context) error
	Disconnect() error
	Status() model.ConnectionStatus

	SubscribeOrderBook(symbol string) error
	SubscribeTrades(symbol string) error
	SubscribeUserStream() error

	MarketData() <-chan model.Event
	UserData() <-chan model.Event

	OrderBookSnapshot(symbol string) (*model.OrderBook, bool)
	RecentTrades(symbol string, limit int) []model.Trade

	PlaceOrder(ctx context.Context, req *model.OrderRequest) (*model.Order, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (*model.Order, error)
	AccountBalances(ctx context.Context) ([]model.Balance, error)
	Positions(ctx context.Context) ([]model.ExchangePosition, error)
}

// Publisher applies the configured backpressure policy when a connector
// pushes an event into its bounded output channel.
type Publisher struct {
	ch         chan model.Event
	dropOldest bool
	dropped    int64
}

// NewPublisher creates a bounded event channel with the given policy.
// With dropOldest false a full channel blocks the producer until the flow
// manager drains it or ctx is cancelled.
func NewPublisher(buffer int, dropOldest bool) *Publisher {
	if buffer <= 0 {
		buffer = 1
	}
	return &Publisher{ch: make(chan model.Event, buffer), dropOldest: dropOldest}
}

// Channel exposes the read side for the flow manager.
func (p *Publisher) Channel() <-chan model.Event { return p.ch }

// Publish delivers an event per the policy. It reports false only when the
// context is cancelled before the event could be accepted.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) bool {
	if p.dropOldest {
		for {
			select {
			case p.ch <- ev:
				return true
			default:
			}
			select {
			case <-p.ch:
				p.dropped++
			default:
			}
			if ctx.Err() != nil {
				return false
			}
		}
	}

	select {
	case p.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Dropped returns the number of events discarded by the drop-oldest policy.
// Only the producing goroutine may call it concurrently with Publish.
func (p *Publisher) Dropped() int64 { return p.dropped }
