package bybit

import (
	"encoding/json"
	"strconv"
	"time"

	"crossflow/internal/model"
)

// wsEnvelope is the common frame of v5 stream messages. Operational
// replies carry op/success; data frames carry topic/type/data.
type wsEnvelope struct {
	Op      string          `json:"op,omitempty"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Type    string          `json:"type,omitempty"`
	TS      int64           `json:"ts,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type wsOrderbookData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Seq      int64      `json:"seq"`
}

type wsTradeData struct {
	Timestamp int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Quantity  string `json:"v"`
	Price     string `json:"p"`
	TradeID   string `json:"i"`
}

type wsOrderData struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	UpdatedTime string `json:"updatedTime"`
}

type wsExecutionData struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	ExecID      string `json:"execId"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
}

type wsWalletCoin struct {
	Coin          string `json:"coin"`
	WalletBalance string `json:"walletBalance"`
	Locked        string `json:"locked"`
}

type wsWalletData struct {
	Coins []wsWalletCoin `json:"coin"`
}

// REST result shapes, decoded from the UTA ServerResponse.Result field.

type restOrderbookResult struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	TS       int64      `json:"ts"`
}

type restOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type restOrderList struct {
	List []restOrderEntry `json:"list"`
}

type restOrderEntry struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	OrderStatus string `json:"orderStatus"`
	UpdatedTime string `json:"updatedTime"`
}

type restPositionList struct {
	List []restPositionEntry `json:"list"`
}

type restPositionEntry struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	AvgPrice  string `json:"avgPrice"`
	MarkPrice string `json:"markPrice"`
}

type restWalletList struct {
	List []struct {
		Coin []wsWalletCoin `json:"coin"`
	} `json:"list"`
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func levelsFromPairs(pairs [][]string) []model.BookLevel {
	levels := make([]model.BookLevel, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		levels = append(levels, model.BookLevel{Price: parseFloat(pair[0]), Quantity: parseFloat(pair[1])})
	}
	return levels
}

func mapSide(side string) model.Side {
	if side == "Sell" {
		return model.SideSell
	}
	return model.SideBuy
}

func mapOrderStatus(status string) model.OrderStatus {
	switch status {
	case "New", "Untriggered":
		return model.OrderAcknowledged
	case "PartiallyFilled":
		return model.OrderPartiallyFilled
	case "Filled":
		return model.OrderFilled
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		return model.OrderCancelled
	case "Rejected":
		return model.OrderRejected
	default:
		return model.OrderSubmitted
	}
}

// mapRetCode classifies v5 return codes into the shared error kinds.
func mapRetCode(code int) model.ErrorKind {
	switch {
	case code == 10003 || code == 10004 || code == 10005 || code == 33004:
		return model.ErrAuth
	case code == 10006 || code == 10018:
		return model.ErrRateLimited
	case code == 10001:
		return model.ErrInvalidParameters
	case code >= 110000 && code < 120000:
		return model.ErrRejected
	default:
		return model.ErrNetwork
	}
}
