package position

import (
	"math"
	"sync"
	"testing"
	"time"

	"crossflow/internal/model"
)

func fill(side model.Side, price, qty float64) model.Fill {
	return model.Fill{
		Exchange:  model.ExchangeBinance,
		Symbol:    "BTCUSDT",
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Timestamp: time.Now(),
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestApplyFillWeightedEntry(t *testing.T) {
	m := NewManager(0)
	m.ApplyFill(fill(model.SideBuy, 100, 2))
	p := m.ApplyFill(fill(model.SideBuy, 110, 1))

	if !approx(p.Quantity, 3) {
		t.Fatalf("quantity = %v, want 3", p.Quantity)
	}
	// (2*100 + 1*110) / 3
	if !approx(p.EntryPrice, 320.0/3) {
		t.Fatalf("entry = %v, want %v", p.EntryPrice, 320.0/3)
	}
}

func TestApplyFillReductionRealizesProportionally(t *testing.T) {
	m := NewManager(0)
	m.ApplyFill(fill(model.SideBuy, 100, 4))
	p := m.ApplyFill(fill(model.SideSell, 110, 1))

	if !approx(p.Quantity, 3) {
		t.Fatalf("quantity = %v, want 3", p.Quantity)
	}
	if !approx(p.EntryPrice, 100) {
		t.Fatalf("entry = %v, reduction must not move entry", p.EntryPrice)
	}
	if !approx(p.RealizedPnL, 10) {
		t.Fatalf("realized = %v, want 10", p.RealizedPnL)
	}
}

func TestApplyFillToFlatRemovesPosition(t *testing.T) {
	m := NewManager(0)
	m.ApplyFill(fill(model.SideBuy, 100, 2))
	m.ApplyFill(fill(model.SideSell, 105, 2))

	if _, ok := m.Position(model.ExchangeBinance, "BTCUSDT"); ok {
		t.Fatal("flat position should be removed from the active set")
	}
	if len(m.All()) != 0 {
		t.Fatal("active set should be empty")
	}
}

func TestApplyFillSignFlipClosesThenOpens(t *testing.T) {
	m := NewManager(0)
	m.ApplyFill(fill(model.SideBuy, 100, 2))
	p := m.ApplyFill(fill(model.SideSell, 110, 5))

	if !approx(p.Quantity, -3) {
		t.Fatalf("quantity = %v, want -3", p.Quantity)
	}
	// the long 2 closes at 110 for +20; the short 3 opens at 110
	if !approx(p.RealizedPnL, 20) {
		t.Fatalf("realized = %v, want 20", p.RealizedPnL)
	}
	if !approx(p.EntryPrice, 110) {
		t.Fatalf("entry = %v, want 110", p.EntryPrice)
	}
}

func TestShortReductionRealizedSign(t *testing.T) {
	m := NewManager(0)
	m.ApplyFill(fill(model.SideSell, 100, 3))
	p := m.ApplyFill(fill(model.SideBuy, 90, 1))

	if !approx(p.Quantity, -2) {
		t.Fatalf("quantity = %v, want -2", p.Quantity)
	}
	// covering a short below entry is a gain
	if !approx(p.RealizedPnL, 10) {
		t.Fatalf("realized = %v, want 10", p.RealizedPnL)
	}
}

func TestMarkPriceRecomputesUnrealized(t *testing.T) {
	m := NewManager(0)
	m.ApplyFill(fill(model.SideBuy, 100, 2))
	m.MarkPrice(model.ExchangeBinance, "BTCUSDT", 120)

	p, ok := m.Position(model.ExchangeBinance, "BTCUSDT")
	if !ok {
		t.Fatal("position missing")
	}
	if !approx(p.UnrealizedPnL, 40) {
		t.Fatalf("unrealized = %v, want 40", p.UnrealizedPnL)
	}
	if !approx(m.TotalExposure(), 240) {
		t.Fatalf("exposure = %v, want 240", m.TotalExposure())
	}
}

func TestSyncFromExchangeAdoptsReported(t *testing.T) {
	m := NewManager(0)
	m.ApplyFill(fill(model.SideBuy, 100, 5))

	discrepancies := m.SyncFromExchange(model.ExchangeBinance, []model.ExchangePosition{
		{Symbol: "BTCUSDT", Quantity: 3, EntryPrice: 100, MarkPrice: 101},
	})
	if len(discrepancies) != 1 {
		t.Fatalf("discrepancies = %d, want 1", len(discrepancies))
	}
	d := discrepancies[0]
	if !approx(d.Local, 5) || !approx(d.Reported, 3) {
		t.Fatalf("discrepancy = %+v", d)
	}
	p, ok := m.Position(model.ExchangeBinance, "BTCUSDT")
	if !ok || !approx(p.Quantity, 3) {
		t.Fatalf("local quantity = %v, want exchange value 3", p.Quantity)
	}
}

func TestSyncFromExchangeAgreementIsSilent(t *testing.T) {
	m := NewManager(0)
	m.ApplyFill(fill(model.SideBuy, 100, 3))

	discrepancies := m.SyncFromExchange(model.ExchangeBinance, []model.ExchangePosition{
		{Symbol: "BTCUSDT", Quantity: 3},
	})
	if len(discrepancies) != 0 {
		t.Fatalf("discrepancies = %d, want 0", len(discrepancies))
	}
}

func TestSyncFromExchangeMissingReportMeansFlat(t *testing.T) {
	m := NewManager(0)
	m.ApplyFill(fill(model.SideBuy, 100, 2))

	discrepancies := m.SyncFromExchange(model.ExchangeBinance, nil)
	if len(discrepancies) != 1 {
		t.Fatalf("discrepancies = %d, want 1", len(discrepancies))
	}
	if _, ok := m.Position(model.ExchangeBinance, "BTCUSDT"); ok {
		t.Fatal("unreported position should be flattened")
	}
}

func TestConcurrentFillsDifferentKeys(t *testing.T) {
	m := NewManager(0)
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"}

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				f := fill(model.SideBuy, 100, 1)
				f.Symbol = symbol
				m.ApplyFill(f)
			}
		}(symbol)
	}
	wg.Wait()

	for _, symbol := range symbols {
		p, ok := m.Position(model.ExchangeBinance, symbol)
		if !ok || !approx(p.Quantity, 100) {
			t.Fatalf("%s quantity = %v, want 100", symbol, p.Quantity)
		}
	}
}

func TestOnUpdateCallbackFires(t *testing.T) {
	m := NewManager(0)
	var mu sync.Mutex
	var seen []float64
	m.OnUpdate(func(p model.Position) {
		mu.Lock()
		seen = append(seen, p.Quantity)
		mu.Unlock()
	})

	m.ApplyFill(fill(model.SideBuy, 100, 1))
	m.ApplyFill(fill(model.SideBuy, 100, 1))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !approx(seen[1], 2) {
		t.Fatalf("callback saw %v", seen)
	}
}
