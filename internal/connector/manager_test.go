package connector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"crossflow/config"
	"crossflow/internal/model"
)

// fakeConnector is a minimal in-memory Connector for registry tests.
type fakeConnector struct {
	exchange    model.Exchange
	market      model.MarketType
	status      atomic.Int32
	connects    atomic.Int32
	disconnects atomic.Int32
	connectErr  error
	market_     chan model.Event
	user        chan model.Event
}

func newFakeConnector(exchange model.Exchange, market model.MarketType) *fakeConnector {
	return &fakeConnector{
		exchange: exchange,
		market:   market,
		market_:  make(chan model.Event, 8),
		user:     make(chan model.Event, 8),
	}
}

func (f *fakeConnector) Exchange() model.Exchange     { return f.exchange }
func (f *fakeConnector) MarketType() model.MarketType { return f.market }
func (f *fakeConnector) Name() string                 { return string(f.exchange) + "-fake" }

func (f *fakeConnector) Connect(ctx context.Context) error {
	f.connects.Add(1)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.status.Store(int32(model.StatusConnected))
	return nil
}

func (f *fakeConnector) Disconnect() error {
	f.disconnects.Add(1)
	f.status.Store(int32(model.StatusDisconnected))
	return nil
}

func (f *fakeConnector) Status() model.ConnectionStatus {
	return model.ConnectionStatus(f.status.Load())
}

func (f *fakeConnector) SubscribeOrderBook(string) error { return nil }
func (f *fakeConnector) SubscribeTrades(string) error    { return nil }
func (f *fakeConnector) SubscribeUserStream() error      { return nil }

func (f *fakeConnector) MarketData() <-chan model.Event { return f.market_ }
func (f *fakeConnector) UserData() <-chan model.Event   { return f.user }

func (f *fakeConnector) OrderBookSnapshot(string) (*model.OrderBook, bool) { return nil, false }
func (f *fakeConnector) RecentTrades(string, int) []model.Trade            { return nil }

func (f *fakeConnector) PlaceOrder(context.Context, *model.OrderRequest) (*model.Order, error) {
	return nil, model.NewError(model.ErrNetwork, f.exchange, "place_order", "fake", nil)
}
func (f *fakeConnector) CancelOrder(context.Context, string, string) error { return nil }
func (f *fakeConnector) QueryOrder(context.Context, string, string) (*model.Order, error) {
	return nil, nil
}
func (f *fakeConnector) AccountBalances(context.Context) ([]model.Balance, error) { return nil, nil }
func (f *fakeConnector) Positions(context.Context) ([]model.ExchangePosition, error) {
	return nil, nil
}

func TestManagerAddDuplicate(t *testing.T) {
	m := NewManager()
	if err := m.Add(newFakeConnector(model.ExchangeBinance, model.MarketTypeFuture)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := m.Add(newFakeConnector(model.ExchangeBinance, model.MarketTypeFuture)); err == nil {
		t.Fatal("duplicate slot should be rejected")
	}
	// same exchange, different market type is its own slot
	if err := m.Add(newFakeConnector(model.ExchangeBinance, model.MarketTypeSpot)); err != nil {
		t.Fatalf("spot add: %v", err)
	}
}

func TestManagerConnectAll(t *testing.T) {
	m := NewManager()
	good := newFakeConnector(model.ExchangeBinance, model.MarketTypeFuture)
	bad := newFakeConnector(model.ExchangeBybit, model.MarketTypeFuture)
	bad.connectErr = errors.New("dial refused")
	m.Add(good)
	m.Add(bad)

	err := m.ConnectAll(context.Background())
	if err == nil {
		t.Fatal("ConnectAll should surface the failed connector")
	}
	if good.connects.Load() != 1 || bad.connects.Load() != 1 {
		t.Fatal("ConnectAll should attempt every connector")
	}

	statuses := m.StatusAll()
	if statuses[RegistryKey{model.ExchangeBinance, model.MarketTypeFuture}] != model.StatusConnected {
		t.Fatal("healthy connector should report connected")
	}
	if statuses[RegistryKey{model.ExchangeBybit, model.MarketTypeFuture}] != model.StatusDisconnected {
		t.Fatal("failed connector should report disconnected")
	}
}

func TestManagerRemoveDisconnects(t *testing.T) {
	m := NewManager()
	c := newFakeConnector(model.ExchangeKucoin, model.MarketTypeFuture)
	m.Add(c)
	if err := m.Remove(model.ExchangeKucoin, model.MarketTypeFuture); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if c.disconnects.Load() != 1 {
		t.Fatal("remove should disconnect the connector")
	}
	if _, ok := m.Get(model.ExchangeKucoin, model.MarketTypeFuture); ok {
		t.Fatal("removed connector should be gone")
	}
	if err := m.Remove(model.ExchangeKucoin, model.MarketTypeFuture); err == nil {
		t.Fatal("removing an absent connector should fail")
	}
}

func TestManagerReconnectCallbacks(t *testing.T) {
	m := NewManager()
	c := newFakeConnector(model.ExchangeBybit, model.MarketTypeFuture)
	m.Add(c)

	var fired atomic.Int32
	m.OnReconnect(func(got Connector) {
		if got.Exchange() != model.ExchangeBybit {
			t.Errorf("callback got %s", got.Exchange())
		}
		fired.Add(1)
	})
	m.NotifyReconnected(c)
	if fired.Load() != 1 {
		t.Fatalf("callback fired %d times, want 1", fired.Load())
	}
}

// coreConn is a Core-backed adapter used to exercise the shared status
// machinery end to end.
type coreConn struct {
	*Core
}

func newCoreConn(exchange model.Exchange) *coreConn {
	return &coreConn{Core: NewCore(exchange, model.MarketTypeFuture, config.ExchangeConfig{}, 8, true)}
}

func (c *coreConn) Name() string { return string(c.Exchange()) + "-core" }

func (c *coreConn) Connect(ctx context.Context) error {
	if !c.BeginRun(ctx) {
		return nil
	}
	c.SetStatus(model.StatusConnecting, "connect requested")
	c.SetStatus(model.StatusConnected, "session established")
	return nil
}

func (c *coreConn) Disconnect() error {
	c.EndRun()
	return nil
}

func (c *coreConn) SubscribeOrderBook(string) error { return nil }
func (c *coreConn) SubscribeTrades(string) error    { return nil }
func (c *coreConn) SubscribeUserStream() error      { return nil }

func (c *coreConn) PlaceOrder(context.Context, *model.OrderRequest) (*model.Order, error) {
	return nil, model.NewError(model.ErrNetwork, c.Exchange(), "place_order", "not wired", nil)
}
func (c *coreConn) CancelOrder(context.Context, string, string) error { return nil }
func (c *coreConn) QueryOrder(context.Context, string, string) (*model.Order, error) {
	return nil, nil
}
func (c *coreConn) AccountBalances(context.Context) ([]model.Balance, error) { return nil, nil }
func (c *coreConn) Positions(context.Context) ([]model.ExchangePosition, error) {
	return nil, nil
}

func TestReconnectHookFiresAfterDisconnect(t *testing.T) {
	m := NewManager()
	c := newCoreConn(model.ExchangeBinance)
	if err := m.Add(c); err != nil {
		t.Fatalf("add: %v", err)
	}

	var fired atomic.Int32
	m.OnReconnect(func(Connector) { fired.Add(1) })

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if fired.Load() != 0 {
		t.Fatalf("initial connect fired the reconnect hook %d times", fired.Load())
	}

	c.Disconnect()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if fired.Load() != 1 {
		t.Fatalf("reconnect fired the hook %d times, want 1", fired.Load())
	}

	// a mid-session recovery counts too
	c.SetStatus(model.StatusReconnecting, "stream lost")
	c.SetStatus(model.StatusConnected, "stream recovered")
	if fired.Load() != 2 {
		t.Fatalf("in-session reconnect fired the hook %d times, want 2", fired.Load())
	}

	// degraded recovery is the same session, not a reconnect
	c.SetStatus(model.StatusDegraded, "stale")
	c.Heartbeat()
	if c.Status() != model.StatusConnected {
		t.Fatalf("status after heartbeat = %s, want connected", c.Status())
	}
	if fired.Load() != 2 {
		t.Fatalf("degraded recovery fired the hook, count = %d", fired.Load())
	}
	c.Disconnect()
}

func TestRemoveClearsReconnectHook(t *testing.T) {
	m := NewManager()
	c := newCoreConn(model.ExchangeBybit)
	m.Add(c)

	var fired atomic.Int32
	m.OnReconnect(func(Connector) { fired.Add(1) })
	if err := m.Remove(model.ExchangeBybit, model.MarketTypeFuture); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ctx := context.Background()
	c.Connect(ctx)
	c.Disconnect()
	c.Connect(ctx)
	if fired.Load() != 0 {
		t.Fatalf("unregistered connector fired the hook %d times", fired.Load())
	}
	c.Disconnect()
}
