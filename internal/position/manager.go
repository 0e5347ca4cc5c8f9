// Package position is the single source of truth for believed positions.
// Every fill flows through ApplyFill; reconciliation periodically aligns
// the believed state with what each exchange reports, always deferring to
// the exchange.
package position

import (
	"context"
	"math"
	"sync"
	"time"

	"crossflow/internal/connector"
	"crossflow/internal/model"
	"crossflow/logger"
)

const defaultEpsilon = 1e-9

// Manager holds one Position per (symbol, exchange) key. Updates to the
// same key are serialized through a per-key lock; different keys proceed
// concurrently.
type Manager struct {
	mu        sync.RWMutex
	positions map[model.Key]*model.Position
	keyLocks  map[model.Key]*sync.Mutex
	epsilon   float64

	cbMu     sync.RWMutex
	onUpdate []func(model.Position)

	log *logger.Log
}

// NewManager creates an empty position book. epsilon is the quantity
// below which a position counts as flat.
func NewManager(epsilon float64) *Manager {
	if epsilon <= 0 {
		epsilon = defaultEpsilon
	}
	return &Manager{
		positions: make(map[model.Key]*model.Position),
		keyLocks:  make(map[model.Key]*sync.Mutex),
		epsilon:   epsilon,
		log:       logger.GetLogger(),
	}
}

// OnUpdate registers a callback invoked after every position change. The
// risk manager's continuous monitoring hooks in here.
func (m *Manager) OnUpdate(fn func(model.Position)) {
	m.cbMu.Lock()
	m.onUpdate = append(m.onUpdate, fn)
	m.cbMu.Unlock()
}

func (m *Manager) notify(p model.Position) {
	m.cbMu.RLock()
	callbacks := m.onUpdate
	m.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(p)
	}
}

// keyLock returns the serialization lock for one key, creating it on first
// use.
func (m *Manager) keyLock(key model.Key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	return l
}

// ApplyFill applies one execution atomically and returns the resulting
// position. Extending a position recomputes the quantity-weighted entry
// price; reducing one recognizes realized P&L proportionally; a fill that
// flips the sign closes the old position entirely and opens the remainder
// at the fill price. A position that nets to flat is removed.
func (m *Manager) ApplyFill(f model.Fill) model.Position {
	key := model.Key{Exchange: f.Exchange, Symbol: f.Symbol}
	lock := m.keyLock(key)
	lock.Lock()

	m.mu.RLock()
	existing := m.positions[key]
	m.mu.RUnlock()

	var p model.Position
	if existing != nil {
		p = *existing
	} else {
		p = model.Position{Exchange: f.Exchange, Symbol: f.Symbol}
	}

	fillQty := f.Side.Sign() * f.Quantity
	switch {
	case math.Abs(p.Quantity) <= m.epsilon:
		p.Quantity = fillQty
		p.EntryPrice = f.Price

	case sameSign(p.Quantity, fillQty):
		total := math.Abs(p.Quantity) + f.Quantity
		p.EntryPrice = (math.Abs(p.Quantity)*p.EntryPrice + f.Quantity*f.Price) / total
		p.Quantity += fillQty

	case f.Quantity <= math.Abs(p.Quantity)+m.epsilon:
		// plain reduction, possibly to flat
		closed := f.Quantity
		p.RealizedPnL += (f.Price - p.EntryPrice) * closed * sign(p.Quantity)
		p.Quantity += fillQty

	default:
		// sign flip: close everything, open the remainder
		closed := math.Abs(p.Quantity)
		p.RealizedPnL += (f.Price - p.EntryPrice) * closed * sign(p.Quantity)
		p.Quantity += fillQty
		p.EntryPrice = f.Price
	}

	p.MarkPrice = f.Price
	p.UnrealizedPnL = (p.MarkPrice - p.EntryPrice) * p.Quantity
	p.UpdatedAt = f.Timestamp
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}

	m.store(key, p)
	lock.Unlock()

	logger.IncrementFillApplied()
	m.notify(p)
	return p
}

// MarkPrice recomputes unrealized P&L for one key from a new mark.
func (m *Manager) MarkPrice(exchange model.Exchange, symbol string, price float64) {
	key := model.Key{Exchange: exchange, Symbol: symbol}
	lock := m.keyLock(key)
	lock.Lock()

	m.mu.RLock()
	existing := m.positions[key]
	m.mu.RUnlock()
	if existing == nil {
		lock.Unlock()
		return
	}
	p := *existing
	p.MarkPrice = price
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
	p.UpdatedAt = time.Now()
	m.store(key, p)
	lock.Unlock()

	m.notify(p)
}

// store writes back or removes a flat position. Caller holds the key lock.
func (m *Manager) store(key model.Key, p model.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if math.Abs(p.Quantity) <= m.epsilon {
		delete(m.positions, key)
		return
	}
	stored := p
	m.positions[key] = &stored
}

// Position returns a copy of the believed position for one key.
func (m *Manager) Position(exchange model.Exchange, symbol string) (model.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[model.Key{Exchange: exchange, Symbol: symbol}]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// All returns copies of every open position.
func (m *Manager) All() []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Quantity implements the risk manager's position view.
func (m *Manager) Quantity(exchange model.Exchange, symbol string) float64 {
	p, ok := m.Position(exchange, symbol)
	if !ok {
		return 0
	}
	return p.Quantity
}

// TotalExposure sums absolute notionals across every open position.
func (m *Manager) TotalExposure() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, p := range m.positions {
		total += p.Notional()
	}
	return total
}

// SyncFromExchange reconciles one exchange's reported positions against
// the believed ones. Every key whose quantities differ beyond epsilon
// yields exactly one PositionDiscrepancy, and the exchange value is
// adopted as authoritative. Believed positions the exchange no longer
// reports are treated as reported flat.
func (m *Manager) SyncFromExchange(exchange model.Exchange, reported []model.ExchangePosition) []model.PositionDiscrepancy {
	now := time.Now()
	reportedBySymbol := make(map[string]model.ExchangePosition, len(reported))
	for _, rp := range reported {
		reportedBySymbol[rp.Symbol] = rp
	}

	symbols := make(map[string]struct{}, len(reported))
	for symbol := range reportedBySymbol {
		symbols[symbol] = struct{}{}
	}
	m.mu.RLock()
	for key := range m.positions {
		if key.Exchange == exchange {
			symbols[key.Symbol] = struct{}{}
		}
	}
	m.mu.RUnlock()

	var discrepancies []model.PositionDiscrepancy
	for symbol := range symbols {
		key := model.Key{Exchange: exchange, Symbol: symbol}
		lock := m.keyLock(key)
		lock.Lock()

		local := 0.0
		var current model.Position
		m.mu.RLock()
		if p := m.positions[key]; p != nil {
			current = *p
			local = p.Quantity
		}
		m.mu.RUnlock()

		rp := reportedBySymbol[symbol]
		if math.Abs(local-rp.Quantity) <= m.epsilon {
			lock.Unlock()
			continue
		}

		discrepancies = append(discrepancies, model.PositionDiscrepancy{
			Exchange:   exchange,
			Symbol:     symbol,
			Local:      local,
			Reported:   rp.Quantity,
			ObservedAt: now,
		})

		adopted := current
		adopted.Exchange = exchange
		adopted.Symbol = symbol
		adopted.Quantity = rp.Quantity
		if rp.EntryPrice > 0 {
			adopted.EntryPrice = rp.EntryPrice
		}
		if rp.MarkPrice > 0 {
			adopted.MarkPrice = rp.MarkPrice
		}
		adopted.UnrealizedPnL = (adopted.MarkPrice - adopted.EntryPrice) * adopted.Quantity
		adopted.UpdatedAt = now
		m.store(key, adopted)
		lock.Unlock()

		m.log.WithComponent("position_manager").WithFields(logger.Fields{
			"exchange": exchange,
			"symbol":   symbol,
			"local":    local,
			"reported": rp.Quantity,
		}).Warn("position discrepancy, adopting exchange value")
		if math.Abs(rp.Quantity) > m.epsilon {
			m.notify(adopted)
		}
	}
	return discrepancies
}

// Reconcile fetches and syncs positions from every registered connector.
func (m *Manager) Reconcile(ctx context.Context, connectors *connector.Manager) {
	for _, c := range connectors.All() {
		reported, err := c.Positions(ctx)
		if err != nil {
			m.log.WithComponent("position_manager").WithError(err).WithFields(logger.Fields{
				"exchange": c.Exchange(),
			}).Warn("position fetch failed, skipping reconciliation")
			continue
		}
		m.SyncFromExchange(c.Exchange(), reported)
	}
}

// RunReconciliation reconciles on a fixed interval until ctx ends. Extra
// runs after reconnects are triggered through the connector manager's
// reconnect hook.
func (m *Manager) RunReconciliation(ctx context.Context, connectors *connector.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(ctx, connectors)
		}
	}
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}
