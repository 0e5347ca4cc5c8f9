package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crossflow/internal/connector"
	"crossflow/internal/model"
	"crossflow/internal/symbols"
	"crossflow/logger"
)

// bulletToken is the reply of the bullet-private handshake. The token plus
// instance server endpoint form the private websocket URL.
type bulletToken struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		PingInterval int    `json:"pingInterval"`
	} `json:"instanceServers"`
}

func (k *Connector) fetchBulletToken(ctx context.Context) (*bulletToken, error) {
	var token bulletToken
	if err := k.signedRequest(ctx, http.MethodPost, "/api/v1/bullet-private", map[string]interface{}{}, &token, "bullet_private"); err != nil {
		return nil, err
	}
	if token.Token == "" || len(token.InstanceServers) == 0 {
		return nil, model.NewError(model.ErrAuth, model.ExchangeKucoin, "bullet_private", "empty token reply", nil)
	}
	return &token, nil
}

// startUserStream runs the private websocket with its own reconnect loop.
// Every attempt fetches a fresh bullet token; tokens are single use.
func (k *Connector) startUserStream() {
	k.Go(func(ctx context.Context) {
		log := k.Logger().WithComponent("kucoin_connector").WithFields(logger.Fields{
			"worker": "user_stream",
		})
		backoff := connector.NewBackoff(k.Config().Reconnect)
		for {
			err := k.runUserStream(ctx, log)
			if ctx.Err() != nil {
				return
			}
			if model.IsKind(err, model.ErrAuth) {
				log.WithError(err).Error("user stream authentication failed, giving up")
				return
			}
			log.WithError(err).Warn("user stream lost, reconnecting")
			if connector.Wait(ctx, backoff.Next()) {
				return
			}
		}
	})
}

func (k *Connector) runUserStream(ctx context.Context, log *logger.Entry) error {
	token, err := k.fetchBulletToken(ctx)
	if err != nil {
		return err
	}
	server := token.InstanceServers[0]

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, server.Endpoint+"?token="+token.Token, nil)
	if err != nil {
		return fmt.Errorf("dial private stream: %w", err)
	}
	defer conn.Close()

	for _, topic := range []string{"/contractMarket/tradeOrders", "/contractAccount/wallet"} {
		sub := map[string]interface{}{
			"id":             time.Now().UnixNano(),
			"type":           "subscribe",
			"topic":          topic,
			"privateChannel": true,
			"response":       true,
		}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	pingInterval := time.Duration(server.PingInterval) * time.Millisecond
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ping := map[string]interface{}{"id": time.Now().UnixNano(), "type": "ping"}
				if err := conn.WriteJSON(ping); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read private stream: %w", err)
		}
		k.handlePrivateMessage(msg, log)
	}
}

type privateFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type tradeOrderMessage struct {
	OrderID     string `json:"orderId"`
	ClientOid   string `json:"clientOid"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	MatchPrice  string `json:"matchPrice"`
	MatchSize   string `json:"matchSize"`
	FilledSize  string `json:"filledSize"`
	Size        string `json:"size"`
	TradeID     string `json:"tradeId"`
	TS          int64  `json:"ts"`
}

func (k *Connector) handlePrivateMessage(msg []byte, log *logger.Entry) {
	k.Heartbeat()
	var frame privateFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.WithError(err).Warn("undecodable private frame")
		return
	}
	if frame.Type != "message" {
		return
	}

	switch {
	case strings.HasPrefix(frame.Topic, "/contractMarket/tradeOrders"):
		k.handleTradeOrder(frame.Data, log)
	case strings.HasPrefix(frame.Topic, "/contractAccount/wallet"):
		k.handleWalletChange(frame.Data, log)
	}
}

func (k *Connector) handleTradeOrder(data json.RawMessage, log *logger.Entry) {
	var order tradeOrderMessage
	if err := json.Unmarshal(data, &order); err != nil {
		log.WithError(err).Warn("undecodable order message")
		return
	}
	symbol := symbols.Canonical("kucoin", order.Symbol)
	ts := kucoinTime(order.TS)

	// match messages double as executions
	if order.Type == "match" {
		k.PublishUser(model.Event{
			Type:      model.EventFill,
			Exchange:  model.ExchangeKucoin,
			Symbol:    symbol,
			Timestamp: ts,
			Fill: &model.Fill{
				Exchange:        model.ExchangeKucoin,
				Symbol:          symbol,
				ClientOrderID:   order.ClientOid,
				ExchangeOrderID: order.OrderID,
				TradeID:         order.TradeID,
				Side:            mapSide(order.Side),
				Price:           parseDecimal(order.MatchPrice),
				Quantity:        parseDecimal(order.MatchSize),
				Timestamp:       ts,
			},
		})
	}

	k.PublishUser(model.Event{
		Type:      model.EventOrderUpdate,
		Exchange:  model.ExchangeKucoin,
		Symbol:    symbol,
		Timestamp: ts,
		Order: &model.OrderUpdate{
			Exchange:        model.ExchangeKucoin,
			Symbol:          symbol,
			ClientOrderID:   order.ClientOid,
			ExchangeOrderID: order.OrderID,
			Status:          mapOrderEvent(order),
			FilledQuantity:  parseDecimal(order.FilledSize),
			Timestamp:       ts,
		},
	})
}

func (k *Connector) handleWalletChange(data json.RawMessage, log *logger.Entry) {
	var wallet struct {
		Currency         string  `json:"currency"`
		AvailableBalance float64 `json:"availableBalance"`
		HoldBalance      float64 `json:"holdBalance"`
	}
	if err := json.Unmarshal(data, &wallet); err != nil {
		log.WithError(err).Warn("undecodable wallet message")
		return
	}
	k.PublishUser(model.Event{
		Type:      model.EventBalanceUpdate,
		Exchange:  model.ExchangeKucoin,
		Timestamp: time.Now(),
		Balance: &model.Balance{
			Exchange: model.ExchangeKucoin,
			Asset:    wallet.Currency,
			Free:     wallet.AvailableBalance,
			Locked:   wallet.HoldBalance,
		},
	})
}

// mapOrderEvent folds the tradeOrders event type and status fields into one
// order status.
func mapOrderEvent(order tradeOrderMessage) model.OrderStatus {
	switch order.Type {
	case "open":
		return model.OrderAcknowledged
	case "match":
		if parseDecimal(order.FilledSize) >= parseDecimal(order.Size) {
			return model.OrderFilled
		}
		return model.OrderPartiallyFilled
	case "filled":
		return model.OrderFilled
	case "canceled":
		return model.OrderCancelled
	default:
		if order.Status == "done" {
			return model.OrderFilled
		}
		return model.OrderAcknowledged
	}
}

func parseDecimal(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
