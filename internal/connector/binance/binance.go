// Package binance adapts Binance USD-M futures to the connector contract.
// Market data arrives over the exchange websocket streams; trading runs
// over the signed REST API through the go-binance client.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"

	"crossflow/config"
	"crossflow/internal/connector"
	"crossflow/internal/model"
	"crossflow/logger"
)

const (
	depthUpdateRate   = 100 * time.Millisecond
	streamBuffer      = 512
	listenKeyInterval = 25 * time.Minute
	staleAfter        = 30 * time.Second
)

// Connector is the Binance futures adapter.
type Connector struct {
	*connector.Core
	client *futures.Client
}

// New creates a disconnected Binance adapter.
func New(cfg config.ExchangeConfig, buffer int, dropOldest bool) *Connector {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.RESTEndpoint != "" {
		client.SetApiEndpoint(cfg.RESTEndpoint)
	}
	return &Connector{
		Core:   connector.NewCore(model.ExchangeBinance, model.MarketTypeFuture, cfg, buffer, dropOldest),
		client: client,
	}
}

func (b *Connector) Name() string { return "binance-futures" }

// Connect starts the session and re-establishes every remembered
// subscription. Connecting while connected is a no-op.
func (b *Connector) Connect(ctx context.Context) error {
	if !b.BeginRun(ctx) {
		return nil
	}
	b.SetStatus(model.StatusConnecting, "connect requested")

	books, trades, user := b.Subscriptions()
	for _, symbol := range books {
		b.startBookStream(symbol)
	}
	for _, symbol := range trades {
		b.startTradeStream(symbol)
	}
	if user {
		b.startUserStream()
	}
	b.StartWatchdog(staleAfter)

	b.SetStatus(model.StatusConnected, "session established")
	return nil
}

// Disconnect tears the session down and invalidates the cache.
func (b *Connector) Disconnect() error {
	b.EndRun()
	return nil
}

func (b *Connector) SubscribeOrderBook(symbol string) error {
	if !b.TrackBookSub(symbol) {
		return nil
	}
	if b.Status() != model.StatusDisconnected {
		b.startBookStream(symbol)
	}
	return nil
}

func (b *Connector) SubscribeTrades(symbol string) error {
	if !b.TrackTradeSub(symbol) {
		return nil
	}
	if b.Status() != model.StatusDisconnected {
		b.startTradeStream(symbol)
	}
	return nil
}

func (b *Connector) SubscribeUserStream() error {
	if !b.TrackUserSub() {
		return nil
	}
	if b.Status() != model.StatusDisconnected {
		b.startUserStream()
	}
	return nil
}

// startBookStream owns the depth stream for one symbol, including the
// snapshot/delta resync protocol and reconnection with backoff.
func (b *Connector) startBookStream(symbol string) {
	b.Go(func(ctx context.Context) {
		log := b.Logger().WithComponent("binance_connector").WithFields(logger.Fields{
			"symbol": symbol,
			"worker": "book_stream",
		})
		backoff := connector.NewBackoff(b.Config().Reconnect)
		for {
			err := b.runBookStream(ctx, symbol)
			if ctx.Err() != nil {
				return
			}
			b.Cache().Invalidate(symbol)
			b.SetStatus(model.StatusReconnecting, "book stream interrupted")
			logger.IncrementReconnect()
			log.WithError(err).WithFields(logger.Fields{
				"attempt": backoff.Attempt() + 1,
			}).Warn("book stream lost, reconnecting")
			if connector.Wait(ctx, backoff.Next()) {
				return
			}
		}
	})
}

func (b *Connector) runBookStream(ctx context.Context, symbol string) error {
	events := make(chan *futures.WsDepthEvent, streamBuffer)
	errs := make(chan error, 1)

	handler := func(event *futures.WsDepthEvent) {
		b.Heartbeat()
		select {
		case events <- event:
		case <-ctx.Done():
		}
	}
	errHandler := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	doneC, stopC, err := futures.WsDiffDepthServeWithRate(symbol, depthUpdateRate, handler, errHandler)
	if err != nil {
		return err
	}
	defer func() {
		close(stopC)
		<-doneC
	}()

	// snapshot after the stream is live so no delta is lost
	snapshotID, err := b.fetchBookSnapshot(ctx, symbol)
	if err != nil {
		return err
	}
	b.SetStatus(model.StatusConnected, "book synchronized")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-doneC:
			return errors.New("depth stream closed by remote")
		case err := <-errs:
			return err
		case event := <-events:
			if event.LastUpdateID <= snapshotID {
				continue
			}
			update := normalizeDepthEvent(event)
			book, err := b.Cache().ApplyUpdate(update)
			if err != nil {
				snapshotID, err = b.fetchBookSnapshot(ctx, symbol)
				if err != nil {
					return err
				}
				continue
			}
			b.PublishMarket(model.Event{
				Type:      model.EventBookUpdate,
				Exchange:  model.ExchangeBinance,
				Symbol:    symbol,
				Timestamp: update.Timestamp,
				Book:      book,
				Update:    &update,
			})
		}
	}
}

// fetchBookSnapshot pulls a full depth snapshot and resets the cache.
func (b *Connector) fetchBookSnapshot(ctx context.Context, symbol string) (int64, error) {
	if err := b.Throttle(ctx); err != nil {
		return 0, err
	}
	depth := b.Config().SnapshotDepth
	if depth <= 0 {
		depth = 500
	}
	resp, err := b.client.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		return 0, b.wrapErr("depth_snapshot", err, false)
	}

	bids := make([]model.BookLevel, 0, len(resp.Bids))
	for _, lvl := range resp.Bids {
		bids = append(bids, model.BookLevel{Price: parseFloat(lvl.Price), Quantity: parseFloat(lvl.Quantity)})
	}
	asks := make([]model.BookLevel, 0, len(resp.Asks))
	for _, lvl := range resp.Asks {
		asks = append(asks, model.BookLevel{Price: parseFloat(lvl.Price), Quantity: parseFloat(lvl.Quantity)})
	}

	book := b.Cache().SetSnapshot(symbol, bids, asks, resp.LastUpdateID, time.Now())
	b.PublishMarket(model.Event{
		Type:      model.EventBookSnapshot,
		Exchange:  model.ExchangeBinance,
		Symbol:    symbol,
		Timestamp: book.UpdatedAt,
		Book:      book,
	})
	return resp.LastUpdateID, nil
}

func (b *Connector) startTradeStream(symbol string) {
	b.Go(func(ctx context.Context) {
		log := b.Logger().WithComponent("binance_connector").WithFields(logger.Fields{
			"symbol": symbol,
			"worker": "trade_stream",
		})
		backoff := connector.NewBackoff(b.Config().Reconnect)
		for {
			err := b.runTradeStream(ctx, symbol)
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("trade stream lost, reconnecting")
			if connector.Wait(ctx, backoff.Next()) {
				return
			}
		}
	})
}

func (b *Connector) runTradeStream(ctx context.Context, symbol string) error {
	errs := make(chan error, 1)
	handler := func(event *futures.WsAggTradeEvent) {
		b.Heartbeat()
		trade := normalizeAggTrade(event)
		if !b.Cache().AddTrade(trade) {
			return
		}
		b.PublishMarket(model.Event{
			Type:      model.EventTrade,
			Exchange:  model.ExchangeBinance,
			Symbol:    symbol,
			Timestamp: trade.Timestamp,
			Trade:     &trade,
		})
	}
	errHandler := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	doneC, stopC, err := futures.WsAggTradeServe(symbol, handler, errHandler)
	if err != nil {
		return err
	}
	defer func() {
		close(stopC)
		<-doneC
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-doneC:
		return errors.New("trade stream closed by remote")
	case err := <-errs:
		return err
	}
}

func (b *Connector) startUserStream() {
	b.Go(func(ctx context.Context) {
		log := b.Logger().WithComponent("binance_connector").WithFields(logger.Fields{
			"worker": "user_stream",
		})
		backoff := connector.NewBackoff(b.Config().Reconnect)
		for {
			err := b.runUserStream(ctx)
			if ctx.Err() != nil {
				return
			}
			if model.IsKind(err, model.ErrAuth) {
				log.WithError(err).Error("user stream authentication failed, not retrying")
				return
			}
			log.WithError(err).Warn("user stream lost, reconnecting")
			if connector.Wait(ctx, backoff.Next()) {
				return
			}
		}
	})
}

func (b *Connector) runUserStream(ctx context.Context) error {
	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return b.wrapErr("start_user_stream", err, false)
	}

	errs := make(chan error, 1)
	handler := func(event *futures.WsUserDataEvent) {
		b.Heartbeat()
		b.handleUserEvent(event)
	}
	errHandler := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		return err
	}
	defer func() {
		close(stopC)
		<-doneC
	}()

	keepalive := time.NewTicker(listenKeyInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-doneC:
			return errors.New("user stream closed by remote")
		case err := <-errs:
			return err
		case <-keepalive.C:
			if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				return b.wrapErr("keepalive_user_stream", err, false)
			}
		}
	}
}

func (b *Connector) handleUserEvent(event *futures.WsUserDataEvent) {
	switch event.Event {
	case futures.UserDataEventTypeOrderTradeUpdate:
		u := event.OrderTradeUpdate
		ts := time.UnixMilli(event.Time)
		b.PublishUser(model.Event{
			Type:      model.EventOrderUpdate,
			Exchange:  model.ExchangeBinance,
			Symbol:    u.Symbol,
			Timestamp: ts,
			Order: &model.OrderUpdate{
				Exchange:        model.ExchangeBinance,
				Symbol:          u.Symbol,
				ClientOrderID:   u.ClientOrderID,
				ExchangeOrderID: strconv.FormatInt(u.ID, 10),
				Status:          mapOrderStatus(string(u.Status)),
				FilledQuantity:  parseFloat(u.AccumulatedFilledQty),
				Timestamp:       ts,
			},
		})
		if qty := parseFloat(u.LastFilledQty); qty > 0 {
			b.PublishUser(model.Event{
				Type:      model.EventFill,
				Exchange:  model.ExchangeBinance,
				Symbol:    u.Symbol,
				Timestamp: ts,
				Fill: &model.Fill{
					Exchange:        model.ExchangeBinance,
					Symbol:          u.Symbol,
					ClientOrderID:   u.ClientOrderID,
					ExchangeOrderID: strconv.FormatInt(u.ID, 10),
					TradeID:         strconv.FormatInt(u.TradeID, 10),
					Side:            mapSide(string(u.Side)),
					Price:           parseFloat(u.LastFilledPrice),
					Quantity:        qty,
					Commission:      parseFloat(u.Commission),
					CommissionAsset: u.CommissionAsset,
					Timestamp:       ts,
				},
			})
		}
	case futures.UserDataEventTypeAccountUpdate:
		ts := time.UnixMilli(event.Time)
		for _, bal := range event.AccountUpdate.Balances {
			b.PublishUser(model.Event{
				Type:      model.EventBalanceUpdate,
				Exchange:  model.ExchangeBinance,
				Timestamp: ts,
				Balance: &model.Balance{
					Exchange: model.ExchangeBinance,
					Asset:    bal.Asset,
					Free:     parseFloat(bal.Balance),
				},
			})
		}
	}
}

// PlaceOrder submits one order over REST. A timed-out call reports an
// unknown outcome so the executor reconciles instead of guessing.
func (b *Connector) PlaceOrder(ctx context.Context, req *model.OrderRequest) (*model.Order, error) {
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(mapSideType(req.Side)).
		Type(mapOrderType(req.Type)).
		Quantity(formatFloat(req.Quantity)).
		NewClientOrderID(req.ClientOrderID)
	if req.Type == model.OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = model.TimeInForceGTC
		}
		svc = svc.Price(formatFloat(req.Price)).TimeInForce(futures.TimeInForceType(tif))
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, b.wrapErr("place_order", err, true)
	}
	return &model.Order{
		ClientOrderID:   resp.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Exchange:        model.ExchangeBinance,
		Symbol:          resp.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		FilledQuantity:  parseFloat(resp.ExecutedQuantity),
		Status:          mapOrderStatus(string(resp.Status)),
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}, nil
}

func (b *Connector) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := b.Throttle(ctx); err != nil {
		return err
	}
	_, err := b.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return b.wrapErr("cancel_order", err, true)
	}
	return nil
}

func (b *Connector) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*model.Order, error) {
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	resp, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, b.wrapErr("query_order", err, false)
	}
	return &model.Order{
		ClientOrderID:   resp.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Exchange:        model.ExchangeBinance,
		Symbol:          resp.Symbol,
		Side:            mapSide(string(resp.Side)),
		Quantity:        parseFloat(resp.OrigQuantity),
		Price:           parseFloat(resp.Price),
		FilledQuantity:  parseFloat(resp.ExecutedQuantity),
		AvgFillPrice:    parseFloat(resp.AvgPrice),
		Status:          mapOrderStatus(string(resp.Status)),
		UpdatedAt:       time.UnixMilli(resp.UpdateTime),
	}, nil
}

func (b *Connector) AccountBalances(ctx context.Context) ([]model.Balance, error) {
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	resp, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, b.wrapErr("account_balances", err, false)
	}
	balances := make([]model.Balance, 0, len(resp))
	for _, bal := range resp {
		total := parseFloat(bal.Balance)
		free := parseFloat(bal.AvailableBalance)
		balances = append(balances, model.Balance{
			Exchange: model.ExchangeBinance,
			Asset:    bal.Asset,
			Free:     free,
			Locked:   total - free,
		})
	}
	return balances, nil
}

func (b *Connector) Positions(ctx context.Context) ([]model.ExchangePosition, error) {
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	resp, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, b.wrapErr("positions", err, false)
	}
	positions := make([]model.ExchangePosition, 0, len(resp))
	for _, p := range resp {
		qty := parseFloat(p.PositionAmt)
		if qty == 0 {
			continue
		}
		positions = append(positions, model.ExchangePosition{
			Symbol:     p.Symbol,
			Quantity:   qty,
			EntryPrice: parseFloat(p.EntryPrice),
			MarkPrice:  parseFloat(p.MarkPrice),
		})
	}
	return positions, nil
}

// wrapErr maps transport and exchange errors onto the shared error kinds.
// tradingOp marks operations whose timeout means the true outcome is
// unknown.
func (b *Connector) wrapErr(op string, err error, tradingOp bool) error {
	if tradingOp && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return model.NewError(model.ErrUnknownOutcome, model.ExchangeBinance, op,
			"operation timed out before the exchange answered", err)
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		kind := mapAPIErrorCode(apiErr.Code)
		return model.NewError(kind, model.ExchangeBinance, op,
			fmt.Sprintf("exchange error %d: %s", apiErr.Code, apiErr.Message), err)
	}
	return model.NewError(model.ErrNetwork, model.ExchangeBinance, op, "request failed", err)
}
