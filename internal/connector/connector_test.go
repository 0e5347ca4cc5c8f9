package connector

import (
	"context"
	"testing"
	"time"

	"crossflow/config"
	"crossflow/internal/model"
)

func TestPublisherDropOldest(t *testing.T) {
	p := NewPublisher(2, true)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := model.Event{Type: model.EventTrade, Seq: uint64(i)}
		if !p.Publish(ctx, ev) {
			t.Fatalf("publish %d failed", i)
		}
	}
	if p.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", p.Dropped())
	}

	// the two newest events survive
	first := <-p.Channel()
	second := <-p.Channel()
	if first.Seq != 3 || second.Seq != 4 {
		t.Fatalf("surviving seqs = %d, %d, want 3, 4", first.Seq, second.Seq)
	}
}

func TestPublisherBlockPolicy(t *testing.T) {
	p := NewPublisher(1, false)
	ctx, cancel := context.WithCancel(context.Background())

	if !p.Publish(ctx, model.Event{Seq: 1}) {
		t.Fatal("first publish should succeed")
	}

	done := make(chan bool, 1)
	go func() {
		done <- p.Publish(ctx, model.Event{Seq: 2})
	}()

	select {
	case <-done:
		t.Fatal("publish into full channel returned before drain")
	case <-time.After(20 * time.Millisecond):
	}

	<-p.Channel()
	if ok := <-done; !ok {
		t.Fatal("publish should succeed once channel drains")
	}

	// a cancelled context unblocks a producer stuck on a full channel
	go func() {
		done <- p.Publish(ctx, model.Event{Seq: 3})
	}()
	cancel()
	if ok := <-done; ok {
		t.Fatal("publish should report false after cancellation")
	}
}

func TestCacheInvalidateAll(t *testing.T) {
	c := NewCache(model.ExchangeBinance, 16)
	ts := time.Now()
	c.SetSnapshot("BTCUSDT", []model.BookLevel{{Price: 100, Quantity: 1}}, []model.BookLevel{{Price: 101, Quantity: 1}}, 10, ts)
	c.SetSnapshot("ETHUSDT", []model.BookLevel{{Price: 50, Quantity: 1}}, []model.BookLevel{{Price: 51, Quantity: 1}}, 20, ts)

	c.InvalidateAll()

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		book, ok := c.Book(symbol)
		if !ok {
			t.Fatalf("book for %s missing", symbol)
		}
		if book.Valid {
			t.Fatalf("book for %s still valid after InvalidateAll", symbol)
		}
	}
}

func TestCacheApplyUpdateSequenceError(t *testing.T) {
	c := NewCache(model.ExchangeBinance, 16)
	ts := time.Now()
	c.SetSnapshot("BTCUSDT", []model.BookLevel{{Price: 100, Quantity: 1}}, []model.BookLevel{{Price: 101, Quantity: 1}}, 10, ts)

	_, err := c.ApplyUpdate(model.BookUpdate{
		Exchange:      model.ExchangeBinance,
		Symbol:        "BTCUSDT",
		FirstUpdateID: 15,
		FinalUpdateID: 16,
		Timestamp:     ts,
	})
	if err == nil {
		t.Fatal("gapped update should fail")
	}
	book, _ := c.Book("BTCUSDT")
	if book.Valid {
		t.Fatal("book should be invalid after gap")
	}
}

func TestCacheTradeDedup(t *testing.T) {
	c := NewCache(model.ExchangeBybit, 4)
	trade := model.Trade{Exchange: model.ExchangeBybit, Symbol: "BTCUSDT", TradeID: "t1", Price: 100, Quantity: 0.5}
	if !c.AddTrade(trade) {
		t.Fatal("first append should succeed")
	}
	if c.AddTrade(trade) {
		t.Fatal("duplicate trade id should be rejected")
	}
	if got := len(c.RecentTrades("BTCUSDT", 10)); got != 1 {
		t.Fatalf("recent trades = %d, want 1", got)
	}
}

func TestBackoffGrowthAndReset(t *testing.T) {
	b := NewBackoff(config.ReconnectConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})

	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		d := b.Next()
		if d < prev {
			// jitter is additive only, so delays never shrink below
			// the previous base
			if float64(d) < float64(prev)/1.2 {
				t.Fatalf("delay %v shrank from %v", d, prev)
			}
		}
		prev = d
	}
	if b.Attempt() != 4 {
		t.Fatalf("attempt = %d, want 4", b.Attempt())
	}

	// cap holds even with jitter
	for i := 0; i < 10; i++ {
		if d := b.Next(); d > time.Second {
			t.Fatalf("delay %v exceeds max", d)
		}
	}

	b.Reset()
	if b.Attempt() != 0 {
		t.Fatal("reset should clear attempts")
	}
	if d := b.Next(); d > 150*time.Millisecond {
		t.Fatalf("post-reset delay %v should be near the initial delay", d)
	}
}

func TestWaitCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !Wait(ctx, time.Second) {
		t.Fatal("Wait should report context cancellation")
	}
	if Wait(context.Background(), time.Millisecond) {
		t.Fatal("Wait should report false when the timer fires")
	}
}

func TestWatchdogDegradesStaleSession(t *testing.T) {
	c := NewCore(model.ExchangeBinance, model.MarketTypeFuture, config.ExchangeConfig{}, 8, true)
	if !c.BeginRun(context.Background()) {
		t.Fatal("begin run")
	}
	defer c.EndRun()

	c.SetStatus(model.StatusConnecting, "connect requested")
	c.SetStatus(model.StatusConnected, "session established")
	c.Cache().SetSnapshot("BTCUSDT",
		[]model.BookLevel{{Price: 99, Quantity: 1}},
		[]model.BookLevel{{Price: 100, Quantity: 1}},
		1, time.Now())

	c.StartWatchdog(30 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for c.Status() != model.StatusDegraded {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, watchdog never degraded the session", c.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// degraded is out of routing but keeps serving cached data
	if c.Status().Routable() {
		t.Fatal("degraded session must not be routable")
	}
	if _, ok := c.OrderBookSnapshot("BTCUSDT"); !ok {
		t.Fatal("degraded session should still serve cached snapshots")
	}

	c.Heartbeat()
	if c.Status() != model.StatusConnected {
		t.Fatalf("status after heartbeat = %s, want connected", c.Status())
	}
}
