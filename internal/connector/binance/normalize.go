package binance

import (
	"strconv"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"crossflow/internal/model"
)

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// normalizeDepthEvent maps a futures diff-depth event onto the shared
// update shape. Binance futures chains deltas through the previous final
// id, so continuity is expressed as FirstUpdateID = pu + 1.
func normalizeDepthEvent(event *futures.WsDepthEvent) model.BookUpdate {
	update := model.BookUpdate{
		Exchange:      model.ExchangeBinance,
		Symbol:        event.Symbol,
		FirstUpdateID: event.PrevLastUpdateID + 1,
		FinalUpdateID: event.LastUpdateID,
		Timestamp:     time.UnixMilli(event.Time),
	}
	update.Bids = make([]model.BookLevel, 0, len(event.Bids))
	for _, lvl := range event.Bids {
		update.Bids = append(update.Bids, model.BookLevel{Price: parseFloat(lvl.Price), Quantity: parseFloat(lvl.Quantity)})
	}
	update.Asks = make([]model.BookLevel, 0, len(event.Asks))
	for _, lvl := range event.Asks {
		update.Asks = append(update.Asks, model.BookLevel{Price: parseFloat(lvl.Price), Quantity: parseFloat(lvl.Quantity)})
	}
	return update
}

// normalizeAggTrade maps an aggregated trade. Maker=true means the buyer
// was the resting side, so the aggressor sold.
func normalizeAggTrade(event *futures.WsAggTradeEvent) model.Trade {
	side := model.SideBuy
	if event.Maker {
		side = model.SideSell
	}
	return model.Trade{
		Exchange:  model.ExchangeBinance,
		Symbol:    event.Symbol,
		TradeID:   strconv.FormatInt(event.AggregateTradeID, 10),
		Price:     parseFloat(event.Price),
		Quantity:  parseFloat(event.Quantity),
		Side:      side,
		Timestamp: time.UnixMilli(event.TradeTime),
	}
}

func mapSide(side string) model.Side {
	if side == "SELL" {
		return model.SideSell
	}
	return model.SideBuy
}

func mapSideType(side model.Side) futures.SideType {
	if side == model.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func mapOrderType(t model.OrderType) futures.OrderType {
	if t == model.OrderTypeLimit {
		return futures.OrderTypeLimit
	}
	return futures.OrderTypeMarket
}

func mapOrderStatus(status string) model.OrderStatus {
	switch status {
	case "NEW":
		return model.OrderAcknowledged
	case "PARTIALLY_FILLED":
		return model.OrderPartiallyFilled
	case "FILLED":
		return model.OrderFilled
	case "CANCELED", "EXPIRED":
		return model.OrderCancelled
	case "REJECTED":
		return model.OrderRejected
	default:
		return model.OrderSubmitted
	}
}

// mapAPIErrorCode classifies Binance error codes into the shared kinds.
func mapAPIErrorCode(code int64) model.ErrorKind {
	switch {
	case code == -1003 || code == -1015:
		return model.ErrRateLimited
	case code == -2014 || code == -2015 || code == -1022:
		return model.ErrAuth
	case code == -2010 || code == -2011 || code == -2018 || code == -2019 || code == -2022:
		return model.ErrRejected
	case code <= -1100 && code >= -1199:
		return model.ErrInvalidParameters
	case code == -2013:
		return model.ErrInvalidParameters
	default:
		return model.ErrNetwork
	}
}
