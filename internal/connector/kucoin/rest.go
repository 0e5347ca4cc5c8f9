package kucoin

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"crossflow/internal/model"
	"crossflow/internal/symbols"
)

const codeOK = "200000"

// restEnvelope is the common response wrapper of the futures REST API.
type restEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// signedRequest performs one authenticated call. The signature covers
// timestamp+method+path+body per the KC-API v2 scheme; the passphrase is
// itself signed.
func (k *Connector) signedRequest(ctx context.Context, method, path string, body interface{}, out interface{}, op string) error {
	if err := k.Throttle(ctx); err != nil {
		return err
	}
	cfg := k.Config()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return model.NewError(model.ErrInvalidParameters, model.ExchangeKucoin, op, "unencodable request body", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, k.restBase+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("KC-API-KEY", cfg.APIKey)
	req.Header.Set("KC-API-SIGN", signPayload(cfg.APISecret, timestamp+method+path+string(payload)))
	req.Header.Set("KC-API-TIMESTAMP", timestamp)
	req.Header.Set("KC-API-PASSPHRASE", signPayload(cfg.APISecret, cfg.Passphrase))
	req.Header.Set("KC-API-KEY-VERSION", "2")

	res, err := k.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return model.NewError(model.ErrUnknownOutcome, model.ExchangeKucoin, op,
				"operation timed out before the exchange answered", err)
		}
		return model.NewError(model.ErrNetwork, model.ExchangeKucoin, op, "request failed", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return model.NewError(model.ErrNetwork, model.ExchangeKucoin, op, "unreadable response", err)
	}
	var env restEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.NewError(model.ErrNetwork, model.ExchangeKucoin, op, "undecodable response", err)
	}
	if env.Code != codeOK {
		return model.NewError(mapCode(env.Code), model.ExchangeKucoin, op,
			fmt.Sprintf("exchange error %s: %s", env.Code, env.Msg), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return model.NewError(model.ErrNetwork, model.ExchangeKucoin, op, "unexpected result shape", err)
	}
	return nil
}

func signPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// PlaceOrder submits a futures order. Quantity is in contracts, which for
// the USDT-margined perpetuals traded here maps one to one.
func (k *Connector) PlaceOrder(ctx context.Context, req *model.OrderRequest) (*model.Order, error) {
	body := map[string]interface{}{
		"clientOid": req.ClientOrderID,
		"symbol":    symbols.ToKucoin(req.Symbol),
		"side":      string(req.Side),
		"type":      string(req.Type),
		"size":      req.Quantity,
		"leverage":  "1",
	}
	if req.Type == model.OrderTypeLimit {
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		tif := req.TimeInForce
		if tif == "" {
			tif = model.TimeInForceGTC
		}
		body["timeInForce"] = string(tif)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := k.signedRequest(ctx, http.MethodPost, "/api/v1/orders", body, &result, "place_order"); err != nil {
		return nil, err
	}
	return &model.Order{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: result.OrderID,
		Exchange:        model.ExchangeKucoin,
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

func (k *Connector) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	path := "/api/v1/orders/client-order/" + clientOrderID
	return k.signedRequest(ctx, http.MethodDelete, path, nil, nil, "cancel_order")
}

type restOrderDetail struct {
	OrderID     string  `json:"id"`
	ClientOid   string  `json:"clientOid"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Price       string  `json:"price"`
	Size        float64 `json:"size"`
	DealSize    float64 `json:"dealSize"`
	DealValue   string  `json:"dealValue"`
	Status      string  `json:"status"`
	CancelExist bool    `json:"cancelExist"`
	UpdatedAt   int64   `json:"updatedAt"`
}

func (k *Connector) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*model.Order, error) {
	var detail restOrderDetail
	path := "/api/v1/orders/byClientOid?clientOid=" + clientOrderID
	if err := k.signedRequest(ctx, http.MethodGet, path, nil, &detail, "query_order"); err != nil {
		return nil, err
	}

	price, _ := strconv.ParseFloat(detail.Price, 64)
	avg := 0.0
	if detail.DealSize > 0 {
		if dealValue, err := strconv.ParseFloat(detail.DealValue, 64); err == nil {
			avg = dealValue / detail.DealSize
		}
	}
	return &model.Order{
		ClientOrderID:   detail.ClientOid,
		ExchangeOrderID: detail.OrderID,
		Exchange:        model.ExchangeKucoin,
		Symbol:          symbols.Canonical("kucoin", detail.Symbol),
		Side:            mapSide(detail.Side),
		Quantity:        detail.Size,
		Price:           price,
		FilledQuantity:  detail.DealSize,
		AvgFillPrice:    avg,
		Status:          mapOrderState(detail.Status, detail.CancelExist, detail.DealSize, detail.Size),
		UpdatedAt:       kucoinTime(detail.UpdatedAt),
	}, nil
}

func (k *Connector) AccountBalances(ctx context.Context) ([]model.Balance, error) {
	var overview struct {
		Currency         string  `json:"currency"`
		AvailableBalance float64 `json:"availableBalance"`
		OrderMargin      float64 `json:"orderMargin"`
		PositionMargin   float64 `json:"positionMargin"`
	}
	path := "/api/v1/account-overview?currency=USDT"
	if err := k.signedRequest(ctx, http.MethodGet, path, nil, &overview, "account_balances"); err != nil {
		return nil, err
	}
	return []model.Balance{{
		Exchange: model.ExchangeKucoin,
		Asset:    overview.Currency,
		Free:     overview.AvailableBalance,
		Locked:   overview.OrderMargin + overview.PositionMargin,
	}}, nil
}

func (k *Connector) Positions(ctx context.Context) ([]model.ExchangePosition, error) {
	var list []struct {
		Symbol        string  `json:"symbol"`
		CurrentQty    float64 `json:"currentQty"`
		AvgEntryPrice float64 `json:"avgEntryPrice"`
		MarkPrice     float64 `json:"markPrice"`
	}
	if err := k.signedRequest(ctx, http.MethodGet, "/api/v1/positions", nil, &list, "positions"); err != nil {
		return nil, err
	}
	positions := make([]model.ExchangePosition, 0, len(list))
	for _, p := range list {
		if p.CurrentQty == 0 {
			continue
		}
		positions = append(positions, model.ExchangePosition{
			Symbol:     symbols.Canonical("kucoin", p.Symbol),
			Quantity:   p.CurrentQty,
			EntryPrice: p.AvgEntryPrice,
			MarkPrice:  p.MarkPrice,
		})
	}
	return positions, nil
}

func mapOrderState(status string, cancelExist bool, filled, size float64) model.OrderStatus {
	switch status {
	case "open":
		if filled > 0 {
			return model.OrderPartiallyFilled
		}
		return model.OrderAcknowledged
	case "done":
		if cancelExist && filled < size {
			return model.OrderCancelled
		}
		return model.OrderFilled
	default:
		return model.OrderSubmitted
	}
}

// mapCode classifies the venue's string response codes.
func mapCode(code string) model.ErrorKind {
	switch code {
	case "400003", "400004", "400005", "400006", "400007", "411100":
		return model.ErrAuth
	case "429000", "200002":
		return model.ErrRateLimited
	case "400100", "404000":
		return model.ErrInvalidParameters
	case "300000", "300003", "300005", "300009", "300012":
		return model.ErrRejected
	default:
		return model.ErrNetwork
	}
}
