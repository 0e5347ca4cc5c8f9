package journal

import (
	"bytes"
	"testing"
	"time"

	"crossflow/internal/model"
)

func TestEncodeProducesParquet(t *testing.T) {
	records := []Record{
		{Seq: 1, EventType: "trade", Exchange: "binance", Symbol: "BTCUSDT", Timestamp: 1712345678901, Side: "buy", Price: 50000, Quantity: 0.5, TradeID: "t-1"},
		{Seq: 2, EventType: "fill", Exchange: "bybit", Symbol: "ETHUSDT", Timestamp: 1712345678902, Side: "sell", Price: 3000, Quantity: 1, OrderID: "cl-1", TradeID: "t-2"},
	}
	data, err := Encode(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// parquet files open and close with the PAR1 magic
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Fatal("output is not a parquet file")
	}
}

func TestEncodeEmpty(t *testing.T) {
	data, err := Encode(nil)
	if err != nil {
		t.Fatalf("encode empty: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("even an empty batch must produce a valid file")
	}
}

func TestToRecord(t *testing.T) {
	ts := time.UnixMilli(1712345678901)

	trade := model.Event{
		Type: model.EventTrade, Exchange: model.ExchangeBinance, Symbol: "BTCUSDT",
		Seq: 7, Timestamp: ts,
		Trade: &model.Trade{Side: model.SideBuy, Price: 50000, Quantity: 0.5, TradeID: "t-1"},
	}
	record, ok := toRecord(trade)
	if !ok {
		t.Fatal("trade event skipped")
	}
	if record.Seq != 7 || record.Price != 50000 || record.Side != "buy" || record.TradeID != "t-1" {
		t.Fatalf("trade record = %+v", record)
	}

	fill := model.Event{
		Type: model.EventFill, Exchange: model.ExchangeBybit, Symbol: "ETHUSDT", Timestamp: ts,
		Fill: &model.Fill{Side: model.SideSell, Price: 3000, Quantity: 2, ClientOrderID: "cl-9", TradeID: "t-2"},
	}
	record, ok = toRecord(fill)
	if !ok || record.OrderID != "cl-9" || record.Quantity != 2 {
		t.Fatalf("fill record = %+v, ok=%v", record, ok)
	}

	update := model.Event{
		Type: model.EventOrderUpdate, Exchange: model.ExchangeKucoin, Symbol: "BTCUSDT", Timestamp: ts,
		Order: &model.OrderUpdate{ClientOrderID: "cl-9", Status: model.OrderFilled, FilledQuantity: 2},
	}
	record, ok = toRecord(update)
	if !ok || record.Status != "filled" || record.OrderID != "cl-9" {
		t.Fatalf("order record = %+v, ok=%v", record, ok)
	}

	if _, ok := toRecord(model.Event{Type: model.EventBookUpdate, Timestamp: ts}); ok {
		t.Fatal("book events must be skipped")
	}
}
