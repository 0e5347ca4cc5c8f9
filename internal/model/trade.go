// internal/model/trade.go
package model

import "time"

// Trade is a normalized public trade. The exchange-assigned id is the
// deduplication key; trades are immutable once created.
type Trade struct {
	Exchange  Exchange  `json:"exchange"`
	Symbol    string    `json:"symbol"`
	TradeID   string    `json:"trade_id"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      Side      `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeRing is a bounded append-only buffer of recent trades for one symbol.
// The oldest entry is evicted first; duplicate exchange ids are ignored.
// It is not goroutine safe: the connector's ingestion path is the sole
// writer, and readers go through the connector cache which copies.
type TradeRing struct {
	buf  []Trade
	head int
	size int
	seen map[string]struct{}
}

// NewTradeRing creates a ring holding at most capacity trades.
func NewTradeRing(capacity int) *TradeRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &TradeRing{
		buf:  make([]Trade, capacity),
		seen: make(map[string]struct{}, capacity),
	}
}

// Append adds a trade, evicting the oldest when full. Returns false for
// duplicates.
func (r *TradeRing) Append(t Trade) bool {
	if t.TradeID != "" {
		if _, dup := r.seen[t.TradeID]; dup {
			return false
		}
	}
	idx := (r.head + r.size) % len(r.buf)
	if r.size == len(r.buf) {
		evicted := r.buf[r.head]
		if evicted.TradeID != "" {
			delete(r.seen, evicted.TradeID)
		}
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.size++
	}
	r.buf[idx] = t
	if t.TradeID != "" {
		r.seen[t.TradeID] = struct{}{}
	}
	return true
}

// Len returns the number of buffered trades.
func (r *TradeRing) Len() int { return r.size }

// Recent returns up to limit trades, newest last, as copies. A non-positive
// limit returns everything buffered.
func (r *TradeRing) Recent(limit int) []Trade {
	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Trade, 0, n)
	start := r.size - n
	for i := start; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
