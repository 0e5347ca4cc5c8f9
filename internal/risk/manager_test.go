package risk

import (
	"testing"

	"crossflow/internal/model"
)

type stubPositions struct {
	quantities map[model.Key]float64
	exposure   float64
}

func (s *stubPositions) Quantity(exchange model.Exchange, symbol string) float64 {
	return s.quantities[model.Key{Exchange: exchange, Symbol: symbol}]
}

func (s *stubPositions) TotalExposure() float64 { return s.exposure }

func testLimits() model.RiskLimits {
	return model.RiskLimits{
		MaxOrderNotional:     10000,
		MaxPosition:          10,
		MaxPortfolioExposure: 100000,
	}
}

func marketBuy(symbol string, qty float64) *model.OrderRequest {
	return &model.OrderRequest{
		ClientOrderID: "c1",
		Symbol:        symbol,
		Side:          model.SideBuy,
		Type:          model.OrderTypeMarket,
		Quantity:      qty,
	}
}

func TestCheckOrderRiskApproved(t *testing.T) {
	m := NewManager(testLimits(), &stubPositions{quantities: map[model.Key]float64{}})
	d := m.CheckOrderRisk(model.ExchangeBinance, marketBuy("BTCUSDT", 1), 100)
	if d.Action != model.RiskApproved {
		t.Fatalf("action = %s (%s), want approved", d.Action, d.Reason)
	}
}

func TestCheckOrderRiskKillSwitch(t *testing.T) {
	limits := testLimits()
	limits.KillSwitch = true
	m := NewManager(limits, &stubPositions{quantities: map[model.Key]float64{}})
	d := m.CheckOrderRisk(model.ExchangeBinance, marketBuy("BTCUSDT", 1), 100)
	if d.Action != model.RiskRejected {
		t.Fatalf("action = %s, want rejected", d.Action)
	}
	if m.ExchangeReachable(model.ExchangeBinance) {
		t.Fatal("kill switch should make every exchange unreachable")
	}
}

func TestCheckOrderRiskReducedByNotional(t *testing.T) {
	m := NewManager(testLimits(), &stubPositions{quantities: map[model.Key]float64{}})
	// 5 * 10000 = 50000 notional against a 10000 limit
	d := m.CheckOrderRisk(model.ExchangeBinance, marketBuy("BTCUSDT", 5), 10000)
	if d.Action != model.RiskReduced {
		t.Fatalf("action = %s, want reduced", d.Action)
	}
	if d.SuggestedQuantity != 1 {
		t.Fatalf("suggested = %v, want 1", d.SuggestedQuantity)
	}
}

func TestCheckOrderRiskReducedByPositionHeadroom(t *testing.T) {
	positions := &stubPositions{quantities: map[model.Key]float64{
		{Exchange: model.ExchangeBinance, Symbol: "BTCUSDT"}: 8,
	}}
	m := NewManager(testLimits(), positions)
	d := m.CheckOrderRisk(model.ExchangeBinance, marketBuy("BTCUSDT", 5), 100)
	if d.Action != model.RiskReduced {
		t.Fatalf("action = %s, want reduced", d.Action)
	}
	if d.SuggestedQuantity != 2 {
		t.Fatalf("suggested = %v, want 2", d.SuggestedQuantity)
	}
}

func TestCheckOrderRiskRejectedWhenHeadroomExhausted(t *testing.T) {
	positions := &stubPositions{quantities: map[model.Key]float64{
		{Exchange: model.ExchangeBinance, Symbol: "BTCUSDT"}: 10,
	}}
	m := NewManager(testLimits(), positions)
	d := m.CheckOrderRisk(model.ExchangeBinance, marketBuy("BTCUSDT", 1), 100)
	if d.Action != model.RiskRejected {
		t.Fatalf("action = %s, want rejected", d.Action)
	}
}

func TestCheckOrderRiskShortHeadroom(t *testing.T) {
	// a long position leaves extra room on the short side
	positions := &stubPositions{quantities: map[model.Key]float64{
		{Exchange: model.ExchangeBinance, Symbol: "BTCUSDT"}: 8,
	}}
	m := NewManager(testLimits(), positions)
	req := marketBuy("BTCUSDT", 15)
	req.Side = model.SideSell
	d := m.CheckOrderRisk(model.ExchangeBinance, req, 100)
	if d.Action != model.RiskApproved {
		t.Fatalf("action = %s (%s), want approved", d.Action, d.Reason)
	}
}

func TestCheckOrderRiskPortfolioExposure(t *testing.T) {
	positions := &stubPositions{quantities: map[model.Key]float64{}, exposure: 99950}
	m := NewManager(testLimits(), positions)
	d := m.CheckOrderRisk(model.ExchangeBinance, marketBuy("BTCUSDT", 1), 100)
	if d.Action != model.RiskRejected {
		t.Fatalf("action = %s, want rejected", d.Action)
	}
}

func TestObserveRaisesViolations(t *testing.T) {
	positions := &stubPositions{quantities: map[model.Key]float64{}, exposure: 150000}
	m := NewManager(testLimits(), positions)

	m.Observe(model.Position{
		Exchange:  model.ExchangeBybit,
		Symbol:    "BTCUSDT",
		Quantity:  -12,
		MarkPrice: 100,
	})

	var kinds []string
	for i := 0; i < 2; i++ {
		select {
		case v := <-m.Violations():
			kinds = append(kinds, v.Kind)
		default:
			t.Fatalf("expected 2 violations, got %d", len(kinds))
		}
	}
	if kinds[0] != "position_limit" || kinds[1] != "portfolio_exposure" {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestExchangeReachableFence(t *testing.T) {
	m := NewManager(testLimits(), &stubPositions{quantities: map[model.Key]float64{}})
	if !m.ExchangeReachable(model.ExchangeKucoin) {
		t.Fatal("exchange should start reachable")
	}
	m.SetExchangeReachable(model.ExchangeKucoin, false)
	if m.ExchangeReachable(model.ExchangeKucoin) {
		t.Fatal("fenced exchange should be unreachable")
	}
	m.SetExchangeReachable(model.ExchangeKucoin, true)
	if !m.ExchangeReachable(model.ExchangeKucoin) {
		t.Fatal("lifted fence should restore reachability")
	}
}
