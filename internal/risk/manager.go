// Package risk gatekeeps outbound orders against configured limits and
// continuously watches aggregate exposure as positions move.
package risk

import (
	"math"
	"sync"
	"time"

	"crossflow/internal/model"
	"crossflow/logger"
)

// PositionView is the read-only slice of the position manager the risk
// checks need. The risk manager never mutates positions.
type PositionView interface {
	Quantity(exchange model.Exchange, symbol string) float64
	TotalExposure() float64
}

const violationBuffer = 64

// Manager evaluates pre-trade checks synchronously against cached limits
// and emits RiskViolation events from continuous monitoring. Limits are
// replaced wholesale on config reload.
type Manager struct {
	mu          sync.RWMutex
	limits      model.RiskLimits
	unreachable map[model.Exchange]bool

	positions  PositionView
	violations chan model.RiskViolation
	log        *logger.Log
}

// NewManager builds a risk manager over the given limits and position view.
func NewManager(limits model.RiskLimits, positions PositionView) *Manager {
	return &Manager{
		limits:      limits,
		unreachable: make(map[model.Exchange]bool),
		positions:   positions,
		violations:  make(chan model.RiskViolation, violationBuffer),
		log:         logger.GetLogger(),
	}
}

// Violations is the alerting stream. Consumers must drain it; when full,
// new violations are logged and dropped rather than blocking monitoring.
func (m *Manager) Violations() <-chan model.RiskViolation { return m.violations }

// UpdateLimits swaps in a new limit snapshot.
func (m *Manager) UpdateLimits(limits model.RiskLimits) {
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()
	m.log.WithComponent("risk_manager").Info("risk limits updated")
}

// SetExchangeReachable fences an exchange off from routing, or lifts the
// fence. Used on auth failures and operator intervention.
func (m *Manager) SetExchangeReachable(exchange model.Exchange, reachable bool) {
	m.mu.Lock()
	if reachable {
		delete(m.unreachable, exchange)
	} else {
		m.unreachable[exchange] = true
	}
	m.mu.Unlock()
	m.log.WithComponent("risk_manager").WithFields(logger.Fields{
		"exchange":  exchange,
		"reachable": reachable,
	}).Warn("exchange reachability changed")
}

// ExchangeReachable is the router's veto hook.
func (m *Manager) ExchangeReachable(exchange model.Exchange) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.limits.KillSwitch {
		return false
	}
	return !m.unreachable[exchange]
}

// CheckOrderRisk evaluates an order against the cached limits for the
// venue it was routed to. referencePrice prices market orders; limit
// orders use their own price. Rejected must not be submitted; Reduced
// must be reissued at SuggestedQuantity, never retried at the original.
func (m *Manager) CheckOrderRisk(exchange model.Exchange, req *model.OrderRequest, referencePrice float64) model.RiskDecision {
	m.mu.RLock()
	limits := m.limits
	m.mu.RUnlock()

	if limits.KillSwitch {
		return model.RiskDecision{Action: model.RiskRejected, Reason: "kill switch engaged"}
	}
	if req.Quantity <= 0 {
		return model.RiskDecision{Action: model.RiskRejected, Reason: "non-positive quantity"}
	}
	price := req.Price
	if req.Type == model.OrderTypeMarket || price <= 0 {
		price = referencePrice
	}
	if price <= 0 {
		return model.RiskDecision{Action: model.RiskRejected, Reason: "no reference price for notional check"}
	}

	maxNotional, maxPosition := limits.ForSymbol(req.Symbol)
	allowed := req.Quantity

	if maxNotional > 0 {
		if byNotional := maxNotional / price; byNotional < allowed {
			allowed = byNotional
		}
	}

	if maxPosition > 0 {
		current := m.positions.Quantity(exchange, req.Symbol)
		// headroom in the order's direction; reduce-only flow through
		// zero is always within limits
		headroom := maxPosition - float64(req.Side.Sign())*current
		if headroom < allowed {
			allowed = headroom
		}
	}

	if allowed <= 0 {
		return model.RiskDecision{Action: model.RiskRejected, Reason: "position limit exhausted for " + req.Symbol}
	}

	if limits.MaxPortfolioExposure > 0 {
		exposure := m.positions.TotalExposure() + allowed*price
		if exposure > limits.MaxPortfolioExposure {
			return model.RiskDecision{
				Action: model.RiskRejected,
				Reason: "portfolio exposure limit would be exceeded",
			}
		}
	}

	if allowed < req.Quantity {
		return model.RiskDecision{
			Action:            model.RiskReduced,
			Reason:            "order size over limit for " + req.Symbol,
			SuggestedQuantity: allowed,
		}
	}
	return model.RiskDecision{Action: model.RiskApproved}
}

// Observe is the position manager's update hook. It re-evaluates the
// moved position and the aggregate exposure and raises violations for
// asynchronous drifts, e.g. mark-price moves.
func (m *Manager) Observe(p model.Position) {
	m.mu.RLock()
	limits := m.limits
	m.mu.RUnlock()

	_, maxPosition := limits.ForSymbol(p.Symbol)
	if maxPosition > 0 && math.Abs(p.Quantity) > maxPosition {
		m.raise(model.RiskViolation{
			Kind:      "position_limit",
			Exchange:  p.Exchange,
			Symbol:    p.Symbol,
			Value:     math.Abs(p.Quantity),
			Limit:     maxPosition,
			Timestamp: time.Now(),
		})
	}

	if limits.MaxPortfolioExposure > 0 {
		if exposure := m.positions.TotalExposure(); exposure > limits.MaxPortfolioExposure {
			m.raise(model.RiskViolation{
				Kind:      "portfolio_exposure",
				Value:     exposure,
				Limit:     limits.MaxPortfolioExposure,
				Timestamp: time.Now(),
			})
		}
	}
}

func (m *Manager) raise(v model.RiskViolation) {
	logger.IncrementRiskViolation()
	entry := m.log.WithComponent("risk_manager").WithFields(logger.Fields{
		"kind":     v.Kind,
		"exchange": v.Exchange,
		"symbol":   v.Symbol,
		"value":    v.Value,
		"limit":    v.Limit,
	})
	select {
	case m.violations <- v:
		entry.Warn("risk violation raised")
	default:
		entry.Error("risk violation dropped, alert channel full")
	}
}
