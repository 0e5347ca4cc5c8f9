// internal/connector/cache.go
package connector

import (
	"sync"
	"time"

	"crossflow/internal/model"
)

// Cache is the connector-local snapshot store for order books and recent
// trades. The connector's ingestion goroutine is the sole writer; snapshot
// accessors are read-only and return copies, so readers never block the
// ingestion path beyond the brief lock.
type Cache struct {
	mu         sync.RWMutex
	exchange   model.Exchange
	books      map[string]*model.OrderBook
	trades     map[string]*model.TradeRing
	tradeLimit int
}

// NewCache creates an empty cache keeping up to tradeLimit trades per
// symbol.
func NewCache(exchange model.Exchange, tradeLimit int) *Cache {
	if tradeLimit <= 0 {
		tradeLimit = 512
	}
	return &Cache{
		exchange:   exchange,
		books:      make(map[string]*model.OrderBook),
		trades:     make(map[string]*model.TradeRing),
		tradeLimit: tradeLimit,
	}
}

// SetSnapshot replaces the book for a symbol with a fresh snapshot.
func (c *Cache) SetSnapshot(symbol string, bids, asks []model.BookLevel, lastUpdateID int64, ts time.Time) *model.OrderBook {
	c.mu.Lock()
	defer c.mu.Unlock()
	book := model.NewOrderBook(c.exchange, symbol, bids, asks, lastUpdateID, ts)
	c.books[symbol] = book
	return book.Clone()
}

// ApplyUpdate merges an incremental update. On a sequence error the book is
// left invalid and the error returned so the connector can refetch.
func (c *Cache) ApplyUpdate(u model.BookUpdate) (*model.OrderBook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	book, ok := c.books[u.Symbol]
	if !ok {
		return nil, model.ErrBookInvalid
	}
	if err := book.Apply(u); err != nil {
		return nil, err
	}
	return book.Clone(), nil
}

// Invalidate marks one symbol's book as stale.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if book, ok := c.books[symbol]; ok {
		book.Invalidate()
	}
}

// InvalidateAll marks every cached book stale. Called on every disconnect
// so subscribers never observe a book silently frozen as valid.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, book := range c.books {
		book.Invalidate()
	}
}

// Book returns a copy of the cached book for symbol.
func (c *Cache) Book(symbol string) (*model.OrderBook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	book, ok := c.books[symbol]
	if !ok {
		return nil, false
	}
	return book.Clone(), true
}

// AddTrade appends a trade to the per-symbol ring. Duplicate exchange ids
// are ignored.
func (c *Cache) AddTrade(t model.Trade) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring, ok := c.trades[t.Symbol]
	if !ok {
		ring = model.NewTradeRing(c.tradeLimit)
		c.trades[t.Symbol] = ring
	}
	return ring.Append(t)
}

// RecentTrades returns up to limit recent trades for symbol, newest last.
func (c *Cache) RecentTrades(symbol string, limit int) []model.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.trades[symbol]
	if !ok {
		return nil
	}
	return ring.Recent(limit)
}
