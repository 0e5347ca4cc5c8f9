// internal/model/orderbook.go
package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrBookInvalid is returned when an update is applied to a book that
	// is waiting for a fresh snapshot.
	ErrBookInvalid = errors.New("order book invalid, snapshot required")
	// ErrBookOutOfSequence is returned for gapped or stale updates. The
	// book is marked invalid and must be reset from a snapshot.
	ErrBookOutOfSequence = errors.New("order book update out of sequence")
)

// BookLevel represents a single price level in an order book.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// BookUpdate is an incremental order book change produced by a connector.
// A zero quantity removes the level.
type BookUpdate struct {
	Exchange      Exchange    `json:"exchange"`
	Symbol        string      `json:"symbol"`
	FirstUpdateID int64       `json:"first_update_id"`
	FinalUpdateID int64       `json:"final_update_id"`
	Bids          []BookLevel `json:"bids"`
	Asks          []BookLevel `json:"asks"`
	Timestamp     time.Time   `json:"timestamp"`
}

// OrderBook is the locally cached book for one symbol on one exchange.
// Bids are strictly descending, asks strictly ascending. It is mutated only
// by applying connector-sourced updates in sequence order; a gapped or stale
// update invalidates the book until Reset is called with a fresh snapshot.
type OrderBook struct {
	Exchange     Exchange    `json:"exchange"`
	Symbol       string      `json:"symbol"`
	Bids         []BookLevel `json:"bids"`
	Asks         []BookLevel `json:"asks"`
	LastUpdateID int64       `json:"last_update_id"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Valid        bool        `json:"valid"`
}

// NewOrderBook builds a book from a full snapshot. Levels are sorted and
// zero-quantity entries dropped, so connectors can pass exchange payloads
// through unfiltered.
func NewOrderBook(exchange Exchange, symbol string, bids, asks []BookLevel, lastUpdateID int64, ts time.Time) *OrderBook {
	b := &OrderBook{
		Exchange:     exchange,
		Symbol:       symbol,
		LastUpdateID: lastUpdateID,
		UpdatedAt:    ts,
		Valid:        true,
	}
	b.Bids = normalizeLevels(bids, true)
	b.Asks = normalizeLevels(asks, false)
	return b
}

func normalizeLevels(levels []BookLevel, descending bool) []BookLevel {
	out := make([]BookLevel, 0, len(levels))
	for _, l := range levels {
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// Reset replaces the book contents with a fresh snapshot and marks it valid.
func (b *OrderBook) Reset(bids, asks []BookLevel, lastUpdateID int64, ts time.Time) {
	b.Bids = normalizeLevels(bids, true)
	b.Asks = normalizeLevels(asks, false)
	b.LastUpdateID = lastUpdateID
	b.UpdatedAt = ts
	b.Valid = true
}

// Invalidate marks the book as unusable until the next snapshot.
func (b *OrderBook) Invalidate() {
	b.Valid = false
}

// Apply merges an incremental update into the book. Updates must arrive in
// sequence-id order; a final id at or below the last applied id, or a first
// id that leaves a gap, marks the book invalid without mutating it.
func (b *OrderBook) Apply(u BookUpdate) error {
	if !b.Valid {
		return ErrBookInvalid
	}
	if u.FinalUpdateID <= b.LastUpdateID {
		b.Valid = false
		return fmt.Errorf("%w: final id %d <= last applied %d", ErrBookOutOfSequence, u.FinalUpdateID, b.LastUpdateID)
	}
	if u.FirstUpdateID > b.LastUpdateID+1 {
		b.Valid = false
		return fmt.Errorf("%w: gap between last applied %d and first id %d", ErrBookOutOfSequence, b.LastUpdateID, u.FirstUpdateID)
	}

	b.Bids = mergeLevels(b.Bids, u.Bids, true)
	b.Asks = mergeLevels(b.Asks, u.Asks, false)
	b.LastUpdateID = u.FinalUpdateID
	if !u.Timestamp.IsZero() {
		b.UpdatedAt = u.Timestamp
	}

	if bid, ok := b.BestBid(); ok {
		if ask, ok := b.BestAsk(); ok && bid.Price >= ask.Price {
			b.Valid = false
			return fmt.Errorf("%w: crossed book, bid %.8f >= ask %.8f", ErrBookOutOfSequence, bid.Price, ask.Price)
		}
	}
	return nil
}

func mergeLevels(levels, changes []BookLevel, descending bool) []BookLevel {
	for _, c := range changes {
		idx := sort.Search(len(levels), func(i int) bool {
			if descending {
				return levels[i].Price <= c.Price
			}
			return levels[i].Price >= c.Price
		})
		found := idx < len(levels) && levels[idx].Price == c.Price
		switch {
		case found && c.Quantity <= 0:
			levels = append(levels[:idx], levels[idx+1:]...)
		case found:
			levels[idx].Quantity = c.Quantity
		case c.Quantity > 0:
			levels = append(levels, BookLevel{})
			copy(levels[idx+1:], levels[idx:])
			levels[idx] = c
		}
	}
	return levels
}

// BestBid returns the highest bid, if present.
func (b *OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if present.
func (b *OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// DepthWithin sums the quantity available on the side an order of the given
// direction would take, within a relative price-impact tolerance of the best
// level. A buy consumes asks, a sell consumes bids.
func (b *OrderBook) DepthWithin(side Side, tolerance float64) float64 {
	var levels []BookLevel
	var limit float64
	switch side {
	case SideBuy:
		ask, ok := b.BestAsk()
		if !ok {
			return 0
		}
		levels = b.Asks
		limit = ask.Price * (1 + tolerance)
	case SideSell:
		bid, ok := b.BestBid()
		if !ok {
			return 0
		}
		levels = b.Bids
		limit = bid.Price * (1 - tolerance)
	default:
		return 0
	}

	var depth float64
	for _, l := range levels {
		if side == SideBuy && l.Price > limit {
			break
		}
		if side == SideSell && l.Price < limit {
			break
		}
		depth += l.Quantity
	}
	return depth
}

// Clone returns a deep copy, safe for handing to readers.
func (b *OrderBook) Clone() *OrderBook {
	c := *b
	c.Bids = append([]BookLevel(nil), b.Bids...)
	c.Asks = append([]BookLevel(nil), b.Asks...)
	return &c
}
