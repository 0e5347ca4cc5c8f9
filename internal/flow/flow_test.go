package flow

import (
	"context"
	"testing"
	"time"

	"crossflow/internal/model"
)

func tradeEvent(exchange model.Exchange, symbol string, price float64) model.Event {
	return model.Event{
		Type:      model.EventTrade,
		Exchange:  exchange,
		Symbol:    symbol,
		Timestamp: time.Now(),
		Trade:     &model.Trade{Exchange: exchange, Symbol: symbol, Price: price},
	}
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	m := NewManager(64)
	defer m.Close()

	sub := m.Subscribe("orders", Filter{})
	defer sub.Close()

	for i := 1; i <= 10; i++ {
		m.Publish(tradeEvent(model.ExchangeBinance, "BTCUSDT", float64(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var lastSeq uint64
	for i := 1; i <= 10; i++ {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if ev.Seq <= lastSeq {
			t.Fatalf("seq went backwards: %d after %d", ev.Seq, lastSeq)
		}
		if ev.Trade.Price != float64(i) {
			t.Fatalf("event %d out of order, got price %v", i, ev.Trade.Price)
		}
		lastSeq = ev.Seq
	}
	if sub.Gaps() != 0 {
		t.Fatalf("gaps = %d, want 0", sub.Gaps())
	}
}

func TestSlowSubscriberObservesGap(t *testing.T) {
	m := NewManager(4)
	defer m.Close()

	sub := m.Subscribe("journal", Filter{})
	defer sub.Close()

	// overrun the ring before the subscriber reads anything
	for i := 1; i <= 10; i++ {
		m.Publish(tradeEvent(model.ExchangeBybit, "ETHUSDT", float64(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if sub.Gaps() != 6 {
		t.Fatalf("gaps = %d, want 6", sub.Gaps())
	}
	// delivery resumes at the oldest retained event
	if ev.Trade.Price != 7 {
		t.Fatalf("resumed at price %v, want 7", ev.Trade.Price)
	}
}

func TestSlowSubscriberDoesNotBlockFast(t *testing.T) {
	m := NewManager(4)
	defer m.Close()

	_ = m.Subscribe("stalled", Filter{}) // never reads
	fast := m.Subscribe("fast", Filter{})
	defer fast.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 100; i++ {
			m.Publish(tradeEvent(model.ExchangeBinance, "BTCUSDT", float64(i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked by a stalled subscriber")
	}

	// fast reader still gets the most recent events
	for {
		ev, err := fast.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if ev.Trade.Price == 100 {
			return
		}
	}
}

func TestFilterBySymbolAndType(t *testing.T) {
	m := NewManager(64)
	defer m.Close()

	sub := m.Subscribe("btc-trades", Filter{
		Symbols: []string{"BTCUSDT"},
		Types:   []model.EventType{model.EventTrade},
	})
	defer sub.Close()

	m.Publish(tradeEvent(model.ExchangeBinance, "ETHUSDT", 1))
	m.Publish(model.Event{Type: model.EventBookUpdate, Exchange: model.ExchangeBinance, Symbol: "BTCUSDT", Timestamp: time.Now()})
	m.Publish(tradeEvent(model.ExchangeBinance, "BTCUSDT", 2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Symbol != "BTCUSDT" || ev.Type != model.EventTrade || ev.Trade.Price != 2 {
		t.Fatalf("filter delivered wrong event: %+v", ev)
	}
}

func TestAttachDrainsSource(t *testing.T) {
	m := NewManager(64)
	defer m.Close()

	sub := m.Subscribe("drain", Filter{})
	defer sub.Close()

	src := make(chan model.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Attach(ctx, "binance_market", src)

	src <- tradeEvent(model.ExchangeBinance, "BTCUSDT", 42)
	close(src)

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	ev, err := sub.Next(readCtx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Trade.Price != 42 {
		t.Fatalf("got price %v, want 42", ev.Trade.Price)
	}
}

func TestNextAfterClose(t *testing.T) {
	m := NewManager(8)
	sub := m.Subscribe("late", Filter{})

	m.Publish(tradeEvent(model.ExchangeKucoin, "XBTUSDTM", 9))
	m.Close()

	ctx := context.Background()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("retained event should still be delivered: %v", err)
	}
	if ev.Trade.Price != 9 {
		t.Fatalf("got price %v, want 9", ev.Trade.Price)
	}
	if _, err := sub.Next(ctx); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
