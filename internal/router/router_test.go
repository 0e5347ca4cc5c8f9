package router

import (
	"context"
	"testing"
	"time"

	"crossflow/config"
	"crossflow/internal/connector"
	"crossflow/internal/model"
)

// stubConnector serves a fixed book snapshot for routing tests.
type stubConnector struct {
	exchange model.Exchange
	status   model.ConnectionStatus
	book     *model.OrderBook
}

func (s *stubConnector) Exchange() model.Exchange         { return s.exchange }
func (s *stubConnector) MarketType() model.MarketType     { return model.MarketTypeFuture }
func (s *stubConnector) Name() string                     { return string(s.exchange) }
func (s *stubConnector) Connect(context.Context) error    { return nil }
func (s *stubConnector) Disconnect() error                { return nil }
func (s *stubConnector) Status() model.ConnectionStatus   { return s.status }
func (s *stubConnector) SubscribeOrderBook(string) error  { return nil }
func (s *stubConnector) SubscribeTrades(string) error     { return nil }
func (s *stubConnector) SubscribeUserStream() error       { return nil }
func (s *stubConnector) MarketData() <-chan model.Event   { return nil }
func (s *stubConnector) UserData() <-chan model.Event     { return nil }
func (s *stubConnector) RecentTrades(string, int) []model.Trade { return nil }

func (s *stubConnector) OrderBookSnapshot(string) (*model.OrderBook, bool) {
	if s.book == nil {
		return nil, false
	}
	return s.book, true
}

func (s *stubConnector) PlaceOrder(context.Context, *model.OrderRequest) (*model.Order, error) {
	return nil, nil
}
func (s *stubConnector) CancelOrder(context.Context, string, string) error { return nil }
func (s *stubConnector) QueryOrder(context.Context, string, string) (*model.Order, error) {
	return nil, nil
}
func (s *stubConnector) AccountBalances(context.Context) ([]model.Balance, error) { return nil, nil }
func (s *stubConnector) Positions(context.Context) ([]model.ExchangePosition, error) {
	return nil, nil
}

// bookWithAskDepth builds a valid book whose total ask quantity at the
// touch is depth.
func bookWithAskDepth(exchange model.Exchange, depth float64) *model.OrderBook {
	return model.NewOrderBook(exchange, "BTCUSDT",
		[]model.BookLevel{{Price: 99.9, Quantity: 1}},
		[]model.BookLevel{{Price: 100, Quantity: depth}},
		1, time.Now())
}

func testConfig(binanceFee, bybitFee float64) *config.Config {
	ec := func(fee float64) config.ExchangeConfig {
		return config.ExchangeConfig{Enabled: true, Symbols: []string{"BTCUSDT"}, TakerFee: fee}
	}
	return &config.Config{
		Exchanges: config.ExchangesConfig{Binance: ec(binanceFee), Bybit: ec(bybitFee)},
		Trading:   config.TradingConfig{PriceImpactTolerance: 0.001, FillStatsWindow: 10},
	}
}

func buyRequest() *model.OrderRequest {
	return &model.OrderRequest{
		ClientOrderID: "c1",
		Symbol:        "BTCUSDT",
		Side:          model.SideBuy,
		Type:          model.OrderTypeMarket,
		Quantity:      1,
	}
}

func TestRouteDeeperBookWinsDespiteFee(t *testing.T) {
	m := connector.NewManager()
	m.Add(&stubConnector{exchange: model.ExchangeBinance, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBinance, 100)})
	m.Add(&stubConnector{exchange: model.ExchangeBybit, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBybit, 50)})

	// binance is deeper but charges double the fee; depth still wins
	r := New(m, testConfig(0.001, 0.0005), NewFillStats(10), nil)
	d, err := r.Route(buyRequest())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Exchange != model.ExchangeBinance {
		t.Fatalf("routed to %s, want binance", d.Exchange)
	}
	if d.Depth != 100 {
		t.Fatalf("depth = %v, want 100", d.Depth)
	}
}

func TestRouteEqualDepthLowerFeeWins(t *testing.T) {
	m := connector.NewManager()
	m.Add(&stubConnector{exchange: model.ExchangeBinance, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBinance, 50)})
	m.Add(&stubConnector{exchange: model.ExchangeBybit, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBybit, 50)})

	r := New(m, testConfig(0.001, 0.0005), NewFillStats(10), nil)
	d, err := r.Route(buyRequest())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Exchange != model.ExchangeBybit {
		t.Fatalf("routed to %s, want bybit", d.Exchange)
	}
}

func TestRouteFillRatioBreaksFinalTie(t *testing.T) {
	m := connector.NewManager()
	m.Add(&stubConnector{exchange: model.ExchangeBinance, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBinance, 50)})
	m.Add(&stubConnector{exchange: model.ExchangeBybit, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBybit, 50)})

	stats := NewFillStats(10)
	stats.Record(model.ExchangeBinance, true)
	stats.Record(model.ExchangeBybit, true)
	stats.Record(model.ExchangeBybit, false)

	r := New(m, testConfig(0.001, 0.001), stats, nil)
	d, err := r.Route(buyRequest())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Exchange != model.ExchangeBinance {
		t.Fatalf("routed to %s, want binance", d.Exchange)
	}
}

func TestRouteExcludesUnroutableAndInvalid(t *testing.T) {
	degraded := &stubConnector{exchange: model.ExchangeBinance, status: model.StatusDegraded, book: bookWithAskDepth(model.ExchangeBinance, 100)}
	stale := &stubConnector{exchange: model.ExchangeBybit, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBybit, 100)}
	stale.book.Invalidate()

	m := connector.NewManager()
	m.Add(degraded)
	m.Add(stale)

	r := New(m, testConfig(0.001, 0.001), NewFillStats(10), nil)
	_, err := r.Route(buyRequest())
	if !model.IsKind(err, model.ErrRouting) {
		t.Fatalf("err = %v, want routing error", err)
	}
}

func TestRouteHonorsRiskVeto(t *testing.T) {
	m := connector.NewManager()
	m.Add(&stubConnector{exchange: model.ExchangeBinance, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBinance, 100)})
	m.Add(&stubConnector{exchange: model.ExchangeBybit, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBybit, 50)})

	veto := func(ex model.Exchange) bool { return ex != model.ExchangeBinance }
	r := New(m, testConfig(0.001, 0.001), NewFillStats(10), veto)
	d, err := r.Route(buyRequest())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Exchange != model.ExchangeBybit {
		t.Fatalf("routed to %s, want bybit", d.Exchange)
	}
}

func TestRoutePinnedExchange(t *testing.T) {
	m := connector.NewManager()
	m.Add(&stubConnector{exchange: model.ExchangeBinance, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBinance, 100)})
	m.Add(&stubConnector{exchange: model.ExchangeBybit, status: model.StatusConnected, book: bookWithAskDepth(model.ExchangeBybit, 50)})

	r := New(m, testConfig(0.001, 0.001), NewFillStats(10), nil)
	req := buyRequest()
	req.Exchange = model.ExchangeBybit
	d, err := r.Route(req)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Exchange != model.ExchangeBybit {
		t.Fatalf("routed to %s, want pinned bybit", d.Exchange)
	}

	req.Exchange = model.ExchangeKucoin // not configured
	if _, err := r.Route(req); !model.IsKind(err, model.ErrRouting) {
		t.Fatalf("err = %v, want routing error for unavailable pin", err)
	}
}
