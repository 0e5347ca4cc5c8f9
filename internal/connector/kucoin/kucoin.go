// Package kucoin adapts KuCoin futures to the connector contract. Market
// data comes through the universal SDK websocket; order book snapshots and
// all trading operations go through the signed futures REST API.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futurespublic "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"crossflow/config"
	"crossflow/internal/connector"
	"crossflow/internal/model"
	"crossflow/internal/symbols"
	"crossflow/logger"
)

const (
	defaultRESTEndpoint = "https://api-futures.kucoin.com"
	staleAfter          = 30 * time.Second
)

// Connector is the KuCoin futures adapter. Symbols are canonical on the
// outside; the venue's contract names (XBTUSDTM) appear only on the wire.
type Connector struct {
	*connector.Core
	sdk        sdkapi.Client
	httpClient *http.Client
	restBase   string
}

// New creates a disconnected KuCoin adapter.
func New(cfg config.ExchangeConfig, buffer int, dropOldest bool) *Connector {
	restBase := cfg.RESTEndpoint
	if restBase == "" {
		restBase = defaultRESTEndpoint
	} else if u, err := url.Parse(restBase); err == nil && u.Host != "" {
		restBase = fmt.Sprintf("https://%s", u.Host)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(cfg.ConnectionPool.MaxIdleConns).
		SetMaxIdleConnsPerHost(cfg.ConnectionPool.MaxIdleConns).
		SetMaxConnsPerHost(cfg.ConnectionPool.MaxConnsPerHost).
		SetIdleConnTimeout(cfg.ConnectionPool.IdleConnTimeout).
		SetTimeout(timeout).
		Build()
	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(restBase).
		WithTransportOption(transportOpt).
		WithWebSocketClientOption(sdktype.NewWebSocketClientOptionBuilder().Build()).
		Build()

	return &Connector{
		Core:       connector.NewCore(model.ExchangeKucoin, model.MarketTypeFuture, cfg, buffer, dropOldest),
		sdk:        sdkapi.NewClient(option),
		httpClient: &http.Client{Timeout: timeout},
		restBase:   restBase,
	}
}

func (k *Connector) Name() string { return "kucoin-futures" }

func (k *Connector) Connect(ctx context.Context) error {
	if !k.BeginRun(ctx) {
		return nil
	}
	k.SetStatus(model.StatusConnecting, "connect requested")

	ws := k.sdk.WsService().NewFuturesPublicWS()
	if err := ws.Start(); err != nil {
		k.EndRun()
		return model.NewError(model.ErrNetwork, model.ExchangeKucoin, "connect", "websocket start failed", err)
	}
	k.Go(func(ctx context.Context) {
		<-ctx.Done()
		ws.Stop()
	})

	books, trades, user := k.Subscriptions()
	for _, symbol := range books {
		k.startBookStream(ws, symbol)
	}
	for _, symbol := range trades {
		k.startTradeStream(ws, symbol)
	}
	if user {
		k.startUserStream()
	}
	k.StartWatchdog(staleAfter)

	k.SetStatus(model.StatusConnected, "session established")
	return nil
}

func (k *Connector) Disconnect() error {
	k.EndRun()
	return nil
}

// SubscribeOrderBook records interest in a symbol; streams are wired on the
// next Connect. KuCoin subscriptions are bound to the SDK session, so
// late subscription on a live session is not supported here.
func (k *Connector) SubscribeOrderBook(symbol string) error {
	k.TrackBookSub(symbol)
	return nil
}

func (k *Connector) SubscribeTrades(symbol string) error {
	k.TrackTradeSub(symbol)
	return nil
}

func (k *Connector) SubscribeUserStream() error {
	k.TrackUserSub()
	return nil
}

// startBookStream subscribes to level2 increments and runs the stream
// worker. The SDK owns websocket reconnection; the worker owns the
// snapshot/delta protocol.
func (k *Connector) startBookStream(ws futurespublic.FuturesPublicWS, symbol string) {
	venue := symbols.ToKucoin(symbol)
	events := make(chan bookIncrement, 512)

	_, err := ws.OrderbookIncrement(venue, func(topic, subject string, data *futurespublic.OrderbookIncrementEvent) error {
		if data == nil {
			return nil
		}
		k.Heartbeat()
		inc := bookIncrement{
			sequence:  data.Sequence,
			change:    data.Change,
			timestamp: data.Timestamp,
		}
		select {
		case events <- inc:
		default:
			// worker is resyncing anyway once it sees the gap
		}
		return nil
	})
	if err != nil {
		k.Logger().WithComponent("kucoin_connector").WithError(err).WithFields(logger.Fields{
			"symbol": symbol,
		}).Error("level2 subscription failed")
		return
	}

	k.Go(func(ctx context.Context) {
		log := k.Logger().WithComponent("kucoin_connector").WithFields(logger.Fields{
			"symbol": symbol,
			"worker": "book_stream",
		})
		backoff := connector.NewBackoff(k.Config().Reconnect)
		for {
			err := k.runBookWorker(ctx, symbol, events)
			if ctx.Err() != nil {
				return
			}
			k.Cache().Invalidate(symbol)
			log.WithError(err).Warn("book worker failed, resynchronizing")
			if connector.Wait(ctx, backoff.Next()) {
				return
			}
		}
	})
}

type bookIncrement struct {
	sequence  int64
	change    string
	timestamp int64
}

func (k *Connector) runBookWorker(ctx context.Context, symbol string, events <-chan bookIncrement) error {
	snapshotSeq, err := k.fetchBookSnapshot(ctx, symbol)
	if err != nil {
		return err
	}
	k.SetStatus(model.StatusConnected, "book synchronized")

	for {
		select {
		case <-ctx.Done():
			return nil
		case inc := <-events:
			if inc.sequence <= snapshotSeq {
				continue
			}
			update := normalizeIncrement(symbol, inc)
			book, err := k.Cache().ApplyUpdate(update)
			if err != nil {
				snapshotSeq, err = k.fetchBookSnapshot(ctx, symbol)
				if err != nil {
					return err
				}
				continue
			}
			k.PublishMarket(model.Event{
				Type:      model.EventBookUpdate,
				Exchange:  model.ExchangeKucoin,
				Symbol:    symbol,
				Timestamp: update.Timestamp,
				Book:      book,
				Update:    &update,
			})
		}
	}
}

// fetchBookSnapshot pulls the full level2 snapshot over REST and resets the
// cache. Returns the snapshot sequence so stale deltas can be dropped.
func (k *Connector) fetchBookSnapshot(ctx context.Context, symbol string) (int64, error) {
	if err := k.Throttle(ctx); err != nil {
		return 0, err
	}
	venue := symbols.ToKucoin(symbol)
	endpoint := fmt.Sprintf("%s/api/v1/level2/snapshot?symbol=%s", k.restBase, url.QueryEscape(venue))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	res, err := k.httpClient.Do(req)
	if err != nil {
		return 0, model.NewError(model.ErrNetwork, model.ExchangeKucoin, "book_snapshot", "snapshot request failed", err)
	}
	defer res.Body.Close()

	var resp struct {
		Code string `json:"code"`
		Data struct {
			Sequence int64       `json:"sequence"`
			Bids     [][]float64 `json:"bids"`
			Asks     [][]float64 `json:"asks"`
			TS       int64       `json:"ts"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return 0, model.NewError(model.ErrNetwork, model.ExchangeKucoin, "book_snapshot", "undecodable snapshot", err)
	}
	if resp.Code != codeOK {
		return 0, model.NewError(mapCode(resp.Code), model.ExchangeKucoin, "book_snapshot",
			"exchange error "+resp.Code, nil)
	}

	ts := kucoinTime(resp.Data.TS)
	book := k.Cache().SetSnapshot(symbol, levelsFromFloats(resp.Data.Bids), levelsFromFloats(resp.Data.Asks), resp.Data.Sequence, ts)
	k.PublishMarket(model.Event{
		Type:      model.EventBookSnapshot,
		Exchange:  model.ExchangeKucoin,
		Symbol:    symbol,
		Timestamp: ts,
		Book:      book,
	})
	return resp.Data.Sequence, nil
}

func (k *Connector) startTradeStream(ws futurespublic.FuturesPublicWS, symbol string) {
	venue := symbols.ToKucoin(symbol)
	log := k.Logger().WithComponent("kucoin_connector").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "trade_stream",
	})

	_, err := ws.Execution(venue, func(topic, subject string, data *futurespublic.ExecutionEvent) error {
		if data == nil {
			return nil
		}
		k.Heartbeat()
		// decode through JSON so only the fields used here matter
		raw, err := json.Marshal(data)
		if err != nil {
			return nil
		}
		var exec executionPayload
		if err := json.Unmarshal(raw, &exec); err != nil {
			log.WithError(err).Warn("undecodable execution event")
			return nil
		}
		trade := model.Trade{
			Exchange:  model.ExchangeKucoin,
			Symbol:    symbol,
			TradeID:   exec.TradeID,
			Price:     exec.Price,
			Quantity:  exec.Size,
			Side:      mapSide(exec.Side),
			Timestamp: kucoinTime(exec.TS),
		}
		if !k.Cache().AddTrade(trade) {
			return nil
		}
		k.PublishMarket(model.Event{
			Type:      model.EventTrade,
			Exchange:  model.ExchangeKucoin,
			Symbol:    symbol,
			Timestamp: trade.Timestamp,
			Trade:     &trade,
		})
		return nil
	})
	if err != nil {
		log.WithError(err).Error("execution subscription failed")
	}
}

type executionPayload struct {
	TradeID string  `json:"tradeId"`
	Side    string  `json:"side"`
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
	TS      int64   `json:"ts"`
}

// normalizeIncrement converts one level2 change line into a book update.
// The change field is "price,side,quantity"; sequences are contiguous per
// symbol, so first and final id are the same.
func normalizeIncrement(symbol string, inc bookIncrement) model.BookUpdate {
	update := model.BookUpdate{
		Exchange:      model.ExchangeKucoin,
		Symbol:        symbol,
		FirstUpdateID: inc.sequence,
		FinalUpdateID: inc.sequence,
		Timestamp:     kucoinTime(inc.timestamp),
	}
	side, price, quantity := parseChange(inc.change)
	level := model.BookLevel{Price: price, Quantity: quantity}
	switch side {
	case "buy":
		update.Bids = []model.BookLevel{level}
	case "sell":
		update.Asks = []model.BookLevel{level}
	}
	return update
}

func parseChange(change string) (side string, price, quantity float64) {
	parts := strings.Split(change, ",")
	if len(parts) < 3 {
		return
	}
	seenPrice := false
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch p {
		case "buy", "sell":
			side = p
		default:
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				continue
			}
			if !seenPrice {
				price = v
				seenPrice = true
			} else {
				quantity = v
			}
		}
	}
	return
}

func levelsFromFloats(pairs [][]float64) []model.BookLevel {
	levels := make([]model.BookLevel, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		levels = append(levels, model.BookLevel{Price: pair[0], Quantity: pair[1]})
	}
	return levels
}

// kucoinTime tolerates the mixed second/milli/nano timestamps the venue
// uses across endpoints.
func kucoinTime(ts int64) time.Time {
	switch {
	case ts <= 0:
		return time.Now().UTC()
	case ts < 1_000_000_000_000:
		return time.Unix(ts, 0).UTC()
	case ts < 1_000_000_000_000_000:
		return time.UnixMilli(ts).UTC()
	default:
		return time.Unix(0, ts).UTC()
	}
}

func mapSide(side string) model.Side {
	if strings.EqualFold(side, "sell") {
		return model.SideSell
	}
	return model.SideBuy
}
