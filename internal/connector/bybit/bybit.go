// Package bybit adapts Bybit linear perpetuals to the connector contract.
// Market and user data run over the v5 websocket streams; trading uses the
// unified-trading-account REST API.
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bybitapi "github.com/bybit-exchange/bybit.go.api"

	"crossflow/config"
	"crossflow/internal/connector"
	"crossflow/internal/model"
	"crossflow/logger"
)

const (
	defaultPublicWS  = "wss://stream.bybit.com/v5/public/linear"
	defaultPrivateWS = "wss://stream.bybit.com/v5/private"
	category         = "linear"
	staleAfter       = 30 * time.Second
)

// Connector is the Bybit linear futures adapter.
type Connector struct {
	*connector.Core
	client *bybitapi.Client
}

// New creates a disconnected Bybit adapter.
func New(cfg config.ExchangeConfig, buffer int, dropOldest bool) *Connector {
	opts := []bybitapi.ClientOption{}
	if cfg.RESTEndpoint != "" {
		opts = append(opts, bybitapi.WithBaseURL(cfg.RESTEndpoint))
	}
	return &Connector{
		Core:   connector.NewCore(model.ExchangeBybit, model.MarketTypeFuture, cfg, buffer, dropOldest),
		client: bybitapi.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, opts...),
	}
}

func (b *Connector) Name() string { return "bybit-linear" }

func (b *Connector) Connect(ctx context.Context) error {
	if !b.BeginRun(ctx) {
		return nil
	}
	b.SetStatus(model.StatusConnecting, "connect requested")

	books, trades, user := b.Subscriptions()
	for _, symbol := range books {
		b.startPublicStream("orderbook.50."+symbol, symbol)
	}
	for _, symbol := range trades {
		b.startPublicStream("publicTrade."+symbol, symbol)
	}
	if user {
		b.startPrivateStream()
	}
	b.StartWatchdog(staleAfter)

	b.SetStatus(model.StatusConnected, "session established")
	return nil
}

func (b *Connector) Disconnect() error {
	b.EndRun()
	return nil
}

func (b *Connector) SubscribeOrderBook(symbol string) error {
	if !b.TrackBookSub(symbol) {
		return nil
	}
	if b.Status() != model.StatusDisconnected {
		b.startPublicStream("orderbook.50."+symbol, symbol)
	}
	return nil
}

func (b *Connector) SubscribeTrades(symbol string) error {
	if !b.TrackTradeSub(symbol) {
		return nil
	}
	if b.Status() != model.StatusDisconnected {
		b.startPublicStream("publicTrade."+symbol, symbol)
	}
	return nil
}

func (b *Connector) SubscribeUserStream() error {
	if !b.TrackUserSub() {
		return nil
	}
	if b.Status() != model.StatusDisconnected {
		b.startPrivateStream()
	}
	return nil
}

func (b *Connector) publicWSURL() string {
	if url := b.Config().WSEndpoint; url != "" {
		return url
	}
	return defaultPublicWS
}

// startPublicStream runs one public topic with reconnect and backoff. The
// stream sends a full snapshot after every (re)subscribe, so the book
// resynchronizes without a REST fetch.
func (b *Connector) startPublicStream(topic, symbol string) {
	b.Go(func(ctx context.Context) {
		log := b.Logger().WithComponent("bybit_connector").WithFields(logger.Fields{
			"topic": topic,
		})
		backoff := connector.NewBackoff(b.Config().Reconnect)
		for {
			err := runWebSocket(ctx, b.publicWSURL(), []string{topic}, nil, log, func(msg []byte) {
				b.handlePublicMessage(msg, log)
			})
			if ctx.Err() != nil {
				return
			}
			b.Cache().Invalidate(symbol)
			b.SetStatus(model.StatusReconnecting, "public stream interrupted")
			logger.IncrementReconnect()
			log.WithError(err).Warn("public stream lost, reconnecting")
			if connector.Wait(ctx, backoff.Next()) {
				return
			}
		}
	})
}

func (b *Connector) handlePublicMessage(msg []byte, log *logger.Entry) {
	b.Heartbeat()
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.WithError(err).Warn("undecodable websocket frame")
		return
	}
	if env.Op != "" {
		if env.Success != nil && !*env.Success {
			log.WithFields(logger.Fields{"op": env.Op, "ret_msg": env.RetMsg}).Warn("websocket operation failed")
		}
		return
	}

	switch {
	case strings.HasPrefix(env.Topic, "orderbook."):
		b.handleOrderbookFrame(env, log)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		b.handleTradeFrame(env, log)
	}
}

func (b *Connector) handleOrderbookFrame(env wsEnvelope, log *logger.Entry) {
	var data wsOrderbookData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		log.WithError(err).Warn("undecodable orderbook frame")
		return
	}
	ts := time.UnixMilli(env.TS)

	if env.Type == "snapshot" {
		book := b.Cache().SetSnapshot(data.Symbol, levelsFromPairs(data.Bids), levelsFromPairs(data.Asks), data.UpdateID, ts)
		b.SetStatus(model.StatusConnected, "book synchronized")
		b.PublishMarket(model.Event{
			Type:      model.EventBookSnapshot,
			Exchange:  model.ExchangeBybit,
			Symbol:    data.Symbol,
			Timestamp: ts,
			Book:      book,
		})
		return
	}

	// delta continuity is scoped to the connection, so only regressions
	// are detectable; FirstUpdateID 0 skips the gap check
	update := model.BookUpdate{
		Exchange:      model.ExchangeBybit,
		Symbol:        data.Symbol,
		FinalUpdateID: data.UpdateID,
		Bids:          levelsFromPairs(data.Bids),
		Asks:          levelsFromPairs(data.Asks),
		Timestamp:     ts,
	}
	book, err := b.Cache().ApplyUpdate(update)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"symbol": data.Symbol}).Warn("delta rejected, awaiting fresh snapshot")
		return
	}
	b.PublishMarket(model.Event{
		Type:      model.EventBookUpdate,
		Exchange:  model.ExchangeBybit,
		Symbol:    data.Symbol,
		Timestamp: ts,
		Book:      book,
		Update:    &update,
	})
}

func (b *Connector) handleTradeFrame(env wsEnvelope, log *logger.Entry) {
	var trades []wsTradeData
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		log.WithError(err).Warn("undecodable trade frame")
		return
	}
	for _, t := range trades {
		trade := model.Trade{
			Exchange:  model.ExchangeBybit,
			Symbol:    t.Symbol,
			TradeID:   t.TradeID,
			Price:     parseFloat(t.Price),
			Quantity:  parseFloat(t.Quantity),
			Side:      mapSide(t.Side),
			Timestamp: time.UnixMilli(t.Timestamp),
		}
		if !b.Cache().AddTrade(trade) {
			continue
		}
		b.PublishMarket(model.Event{
			Type:      model.EventTrade,
			Exchange:  model.ExchangeBybit,
			Symbol:    t.Symbol,
			Timestamp: trade.Timestamp,
			Trade:     &trade,
		})
	}
}

func (b *Connector) startPrivateStream() {
	b.Go(func(ctx context.Context) {
		log := b.Logger().WithComponent("bybit_connector").WithFields(logger.Fields{
			"worker": "private_stream",
		})
		cfg := b.Config()
		auth := &wsAuth{apiKey: cfg.APIKey, apiSecret: cfg.APISecret}
		backoff := connector.NewBackoff(cfg.Reconnect)
		for {
			err := runWebSocket(ctx, defaultPrivateWS, []string{"order", "execution", "wallet"}, auth, log, func(msg []byte) {
				b.handlePrivateMessage(msg, log)
			})
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("private stream lost, reconnecting")
			if connector.Wait(ctx, backoff.Next()) {
				return
			}
		}
	})
}

func (b *Connector) handlePrivateMessage(msg []byte, log *logger.Entry) {
	b.Heartbeat()
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.WithError(err).Warn("undecodable private frame")
		return
	}
	if env.Op != "" {
		if env.Success != nil && !*env.Success {
			log.WithFields(logger.Fields{"op": env.Op, "ret_msg": env.RetMsg}).Error("private stream operation failed")
		}
		return
	}

	switch env.Topic {
	case "order":
		var orders []wsOrderData
		if err := json.Unmarshal(env.Data, &orders); err != nil {
			log.WithError(err).Warn("undecodable order frame")
			return
		}
		for _, o := range orders {
			b.PublishUser(model.Event{
				Type:      model.EventOrderUpdate,
				Exchange:  model.ExchangeBybit,
				Symbol:    o.Symbol,
				Timestamp: parseMillis(o.UpdatedTime),
				Order: &model.OrderUpdate{
					Exchange:        model.ExchangeBybit,
					Symbol:          o.Symbol,
					ClientOrderID:   o.OrderLinkID,
					ExchangeOrderID: o.OrderID,
					Status:          mapOrderStatus(o.OrderStatus),
					FilledQuantity:  parseFloat(o.CumExecQty),
					Timestamp:       parseMillis(o.UpdatedTime),
				},
			})
		}
	case "execution":
		var execs []wsExecutionData
		if err := json.Unmarshal(env.Data, &execs); err != nil {
			log.WithError(err).Warn("undecodable execution frame")
			return
		}
		for _, e := range execs {
			ts := parseMillis(e.ExecTime)
			b.PublishUser(model.Event{
				Type:      model.EventFill,
				Exchange:  model.ExchangeBybit,
				Symbol:    e.Symbol,
				Timestamp: ts,
				Fill: &model.Fill{
					Exchange:        model.ExchangeBybit,
					Symbol:          e.Symbol,
					ClientOrderID:   e.OrderLinkID,
					ExchangeOrderID: e.OrderID,
					TradeID:         e.ExecID,
					Side:            mapSide(e.Side),
					Price:           parseFloat(e.ExecPrice),
					Quantity:        parseFloat(e.ExecQty),
					Commission:      parseFloat(e.ExecFee),
					Timestamp:       ts,
				},
			})
		}
	case "wallet":
		var wallets []wsWalletData
		if err := json.Unmarshal(env.Data, &wallets); err != nil {
			log.WithError(err).Warn("undecodable wallet frame")
			return
		}
		for _, w := range wallets {
			for _, coin := range w.Coins {
				b.PublishUser(model.Event{
					Type:      model.EventBalanceUpdate,
					Exchange:  model.ExchangeBybit,
					Timestamp: time.UnixMilli(env.TS),
					Balance: &model.Balance{
						Exchange: model.ExchangeBybit,
						Asset:    coin.Coin,
						Free:     parseFloat(coin.WalletBalance) - parseFloat(coin.Locked),
						Locked:   parseFloat(coin.Locked),
					},
				})
			}
		}
	}
}

// callUTA runs one REST call and surfaces non-zero return codes as typed
// errors. The Result payload is re-marshaled into out.
func (b *Connector) callUTA(op string, out interface{}, call func() (*bybitapi.ServerResponse, error)) error {
	resp, err := call()
	if err != nil {
		return b.wrapErr(op, err)
	}
	if resp.RetCode != 0 {
		return model.NewError(mapRetCode(resp.RetCode), model.ExchangeBybit, op,
			fmt.Sprintf("exchange error %d: %s", resp.RetCode, resp.RetMsg), nil)
	}
	if out == nil {
		return nil
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return model.NewError(model.ErrNetwork, model.ExchangeBybit, op, "unreadable result payload", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return model.NewError(model.ErrNetwork, model.ExchangeBybit, op, "unexpected result shape", err)
	}
	return nil
}

func (b *Connector) PlaceOrder(ctx context.Context, req *model.OrderRequest) (*model.Order, error) {
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	params := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        sideParam(req.Side),
		"orderType":   orderTypeParam(req.Type),
		"qty":         formatFloat(req.Quantity),
		"orderLinkId": req.ClientOrderID,
	}
	if req.Type == model.OrderTypeLimit {
		params["price"] = formatFloat(req.Price)
		tif := req.TimeInForce
		if tif == "" {
			tif = model.TimeInForceGTC
		}
		params["timeInForce"] = string(tif)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}

	var result restOrderResult
	if err := b.callUTA("place_order", &result, func() (*bybitapi.ServerResponse, error) {
		return b.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	}); err != nil {
		return nil, err
	}
	return &model.Order{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: result.OrderID,
		Exchange:        model.ExchangeBybit,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		Status:          model.OrderAcknowledged,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}, nil
}

func (b *Connector) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := b.Throttle(ctx); err != nil {
		return err
	}
	params := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}
	return b.callUTA("cancel_order", nil, func() (*bybitapi.ServerResponse, error) {
		return b.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	})
}

func (b *Connector) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*model.Order, error) {
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	params := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}
	var result restOrderList
	if err := b.callUTA("query_order", &result, func() (*bybitapi.ServerResponse, error) {
		return b.client.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
	}); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, model.NewError(model.ErrInvalidParameters, model.ExchangeBybit, "query_order",
			"no order found for "+clientOrderID, nil)
	}
	entry := result.List[0]
	return &model.Order{
		ClientOrderID:   entry.OrderLinkID,
		ExchangeOrderID: entry.OrderID,
		Exchange:        model.ExchangeBybit,
		Symbol:          entry.Symbol,
		Side:            mapSide(entry.Side),
		Quantity:        parseFloat(entry.Qty),
		Price:           parseFloat(entry.Price),
		FilledQuantity:  parseFloat(entry.CumExecQty),
		AvgFillPrice:    parseFloat(entry.AvgPrice),
		Status:          mapOrderStatus(entry.OrderStatus),
		UpdatedAt:       parseMillis(entry.UpdatedTime),
	}, nil
}

func (b *Connector) AccountBalances(ctx context.Context) ([]model.Balance, error) {
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	params := map[string]interface{}{"accountType": "UNIFIED"}
	var result restWalletList
	if err := b.callUTA("account_balances", &result, func() (*bybitapi.ServerResponse, error) {
		return b.client.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	}); err != nil {
		return nil, err
	}
	var balances []model.Balance
	for _, account := range result.List {
		for _, coin := range account.Coin {
			locked := parseFloat(coin.Locked)
			balances = append(balances, model.Balance{
				Exchange: model.ExchangeBybit,
				Asset:    coin.Coin,
				Free:     parseFloat(coin.WalletBalance) - locked,
				Locked:   locked,
			})
		}
	}
	return balances, nil
}

func (b *Connector) Positions(ctx context.Context) ([]model.ExchangePosition, error) {
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	params := map[string]interface{}{
		"category":   category,
		"settleCoin": "USDT",
	}
	var result restPositionList
	if err := b.callUTA("positions", &result, func() (*bybitapi.ServerResponse, error) {
		return b.client.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
	}); err != nil {
		return nil, err
	}
	positions := make([]model.ExchangePosition, 0, len(result.List))
	for _, p := range result.List {
		qty := parseFloat(p.Size)
		if qty == 0 {
			continue
		}
		if p.Side == "Sell" {
			qty = -qty
		}
		positions = append(positions, model.ExchangePosition{
			Symbol:     p.Symbol,
			Quantity:   qty,
			EntryPrice: parseFloat(p.AvgPrice),
			MarkPrice:  parseFloat(p.MarkPrice),
		})
	}
	return positions, nil
}

func (b *Connector) wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.NewError(model.ErrUnknownOutcome, model.ExchangeBybit, op,
			"operation timed out before the exchange answered", err)
	}
	return model.NewError(model.ErrNetwork, model.ExchangeBybit, op, "request failed", err)
}

func sideParam(side model.Side) string {
	if side == model.SideSell {
		return "Sell"
	}
	return "Buy"
}

func orderTypeParam(t model.OrderType) string {
	if t == model.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}
