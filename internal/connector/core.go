package connector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"crossflow/config"
	"crossflow/internal/model"
	"crossflow/logger"
)

// Core carries the state every exchange adapter shares: status, the local
// cache, the two output publishers, subscription bookkeeping and the REST
// rate limiter. Adapters embed it and add their transport specifics.
type Core struct {
	exchange model.Exchange
	market   model.MarketType
	cfg      config.ExchangeConfig

	status    atomic.Int32
	everUp    atomic.Bool
	lastBeat  atomic.Int64
	cache     *Cache
	marketPub *Publisher
	userPub   *Publisher
	limiter   *rate.Limiter

	hookMu      sync.RWMutex
	onReconnect func()

	mu        sync.RWMutex
	running   bool
	ctx       context.Context
	cancelCtx context.CancelFunc
	bookSubs  map[string]struct{}
	tradeSubs map[string]struct{}
	userSub   bool

	wg  sync.WaitGroup
	log *logger.Log
}

// NewCore builds the shared adapter state from one exchange's config.
func NewCore(exchange model.Exchange, market model.MarketType, cfg config.ExchangeConfig, buffer int, dropOldest bool) *Core {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}
	return &Core{
		exchange:  exchange,
		market:    market,
		cfg:       cfg,
		cache:     NewCache(exchange, cfg.TradeBuffer),
		marketPub: NewPublisher(buffer, dropOldest),
		userPub:   NewPublisher(buffer, dropOldest),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		bookSubs:  make(map[string]struct{}),
		tradeSubs: make(map[string]struct{}),
		log:       logger.GetLogger(),
	}
}

func (c *Core) Exchange() model.Exchange     { return c.exchange }
func (c *Core) MarketType() model.MarketType { return c.market }

func (c *Core) Status() model.ConnectionStatus {
	return model.ConnectionStatus(c.status.Load())
}

// SetStatus records a transition and publishes it on the market stream so
// subscribers observe connectivity changes in-band.
func (c *Core) SetStatus(next model.ConnectionStatus, reason string) {
	old := model.ConnectionStatus(c.status.Swap(int32(next)))
	if old == next {
		return
	}
	c.log.WithComponent(string(c.exchange) + "_connector").WithFields(logger.Fields{
		"old":    old.String(),
		"new":    next.String(),
		"reason": reason,
	}).Info("connection status changed")

	ev := model.Event{
		Type:      model.EventStatusChange,
		Exchange:  c.exchange,
		Timestamp: time.Now(),
		Status: &model.StatusChange{
			Exchange: c.exchange,
			Market:   c.market,
			Old:      old,
			New:      next,
			Reason:   reason,
		},
	}
	if ctx := c.runCtx(); ctx != nil {
		c.marketPub.Publish(ctx, ev)
	}

	if next == model.StatusConnected {
		c.lastBeat.Store(time.Now().UnixNano())
		// degraded recovery is the same session, not a reconnect
		if c.everUp.Swap(true) && old != model.StatusDegraded {
			c.notifyReconnect()
		}
	}
}

// SetReconnectHook installs the callback run after every reconnect of a
// previously connected adapter. The manager installs its notification
// here on registration.
func (c *Core) SetReconnectHook(fn func()) {
	c.hookMu.Lock()
	c.onReconnect = fn
	c.hookMu.Unlock()
}

func (c *Core) notifyReconnect() {
	c.hookMu.RLock()
	fn := c.onReconnect
	c.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Heartbeat records that the session just produced data or a pong. A
// Degraded session recovers to Connected on the next beat.
func (c *Core) Heartbeat() {
	c.lastBeat.Store(time.Now().UnixNano())
	if c.Status() == model.StatusDegraded {
		c.SetStatus(model.StatusConnected, "data flow resumed")
	}
}

// StartWatchdog marks a Connected session Degraded once no heartbeat has
// arrived within staleAfter. Degraded keeps serving cached snapshots but
// is excluded from routing; full loss detection stays with the transport.
func (c *Core) StartWatchdog(staleAfter time.Duration) {
	if staleAfter <= 0 {
		return
	}
	c.Go(func(ctx context.Context) {
		ticker := time.NewTicker(staleAfter / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if c.Status() != model.StatusConnected {
				continue
			}
			beat := time.Unix(0, c.lastBeat.Load())
			if time.Since(beat) > staleAfter {
				c.SetStatus(model.StatusDegraded, "no data within "+staleAfter.String())
			}
		}
	})
}

// BeginRun marks the adapter running and derives the session context.
// Returns false when already running, which makes Connect idempotent.
func (c *Core) BeginRun(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	c.ctx, c.cancelCtx = context.WithCancel(ctx)
	return true
}

// EndRun cancels the session context and waits for adapter goroutines.
// Returns false when not running, making Disconnect idempotent.
func (c *Core) EndRun() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	c.running = false
	cancel := c.cancelCtx
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.cache.InvalidateAll()
	c.SetStatus(model.StatusDisconnected, "disconnect requested")
	return true
}

func (c *Core) runCtx() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// Go runs fn under the session context and wait group.
func (c *Core) Go(fn func(ctx context.Context)) {
	ctx := c.runCtx()
	if ctx == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

// Throttle blocks until the REST limiter admits one request.
func (c *Core) Throttle(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.NewError(model.ErrNetwork, c.exchange, "throttle", "request cancelled while rate limited", err)
	}
	return nil
}

// TrackBookSub remembers a book subscription so it can be re-established
// after a reconnect. Returns false when already subscribed.
func (c *Core) TrackBookSub(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bookSubs[symbol]; ok {
		return false
	}
	c.bookSubs[symbol] = struct{}{}
	return true
}

// TrackTradeSub is TrackBookSub for trade subscriptions.
func (c *Core) TrackTradeSub(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tradeSubs[symbol]; ok {
		return false
	}
	c.tradeSubs[symbol] = struct{}{}
	return true
}

// TrackUserSub remembers that the private stream is wanted.
func (c *Core) TrackUserSub() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userSub {
		return false
	}
	c.userSub = true
	return true
}

// Subscriptions returns the remembered subscription set.
func (c *Core) Subscriptions() (books, trades []string, user bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for s := range c.bookSubs {
		books = append(books, s)
	}
	for s := range c.tradeSubs {
		trades = append(trades, s)
	}
	return books, trades, c.userSub
}

// Cache exposes the adapter-local snapshot store.
func (c *Core) Cache() *Cache { return c.cache }

func (c *Core) MarketData() <-chan model.Event { return c.marketPub.Channel() }
func (c *Core) UserData() <-chan model.Event   { return c.userPub.Channel() }

// PublishMarket pushes one normalized event on the market stream.
func (c *Core) PublishMarket(ev model.Event) {
	if ctx := c.runCtx(); ctx != nil {
		c.marketPub.Publish(ctx, ev)
		logger.IncrementMarketEvent(1)
	}
}

// PublishUser pushes one normalized event on the user stream.
func (c *Core) PublishUser(ev model.Event) {
	if ctx := c.runCtx(); ctx != nil {
		c.userPub.Publish(ctx, ev)
	}
}

// OrderBookSnapshot serves the contract's snapshot accessor from cache.
func (c *Core) OrderBookSnapshot(symbol string) (*model.OrderBook, bool) {
	return c.cache.Book(symbol)
}

// RecentTrades serves the contract's trade accessor from cache.
func (c *Core) RecentTrades(symbol string, limit int) []model.Trade {
	return c.cache.RecentTrades(symbol, limit)
}

// Logger returns the shared log handle.
func (c *Core) Logger() *logger.Log { return c.log }

// Config returns the exchange config block.
func (c *Core) Config() config.ExchangeConfig { return c.cfg }
