// internal/model/risk.go
package model

import "time"

// RiskAction is the outcome of a pre-trade check.
type RiskAction int

const (
	RiskApproved RiskAction = iota
	RiskRejected
	RiskReduced
)

func (a RiskAction) String() string {
	switch a {
	case RiskApproved:
		return "approved"
	case RiskRejected:
		return "rejected"
	case RiskReduced:
		return "reduced"
	default:
		return "unknown"
	}
}

// RiskDecision is returned by the pre-trade check. On RiskReduced the
// executor must reissue at SuggestedQuantity instead of retrying the
// original size.
type RiskDecision struct {
	Action            RiskAction `json:"action"`
	Reason            string     `json:"reason,omitempty"`
	SuggestedQuantity float64    `json:"suggested_quantity,omitempty"`
}

// SymbolLimit overrides the default limits for one symbol.
type SymbolLimit struct {
	Symbol           string  `yaml:"symbol" json:"symbol"`
	MaxOrderNotional float64 `yaml:"max_order_notional" json:"max_order_notional"`
	MaxPosition      float64 `yaml:"max_position" json:"max_position"`
}

// RiskLimits is the configuration-derived limit set. Read-only outside the
// risk manager; replaced wholesale on config reload.
type RiskLimits struct {
	KillSwitch           bool          `yaml:"kill_switch" json:"kill_switch"`
	MaxOrderNotional     float64       `yaml:"max_order_notional" json:"max_order_notional"`
	MaxPosition          float64       `yaml:"max_position" json:"max_position"`
	MaxPortfolioExposure float64       `yaml:"max_portfolio_exposure" json:"max_portfolio_exposure"`
	Symbols              []SymbolLimit `yaml:"symbols" json:"symbols"`
}

// ForSymbol resolves the effective order-size and position limits for a
// symbol, falling back to the defaults.
func (l RiskLimits) ForSymbol(symbol string) (maxNotional, maxPosition float64) {
	maxNotional, maxPosition = l.MaxOrderNotional, l.MaxPosition
	for _, s := range l.Symbols {
		if s.Symbol == symbol {
			if s.MaxOrderNotional > 0 {
				maxNotional = s.MaxOrderNotional
			}
			if s.MaxPosition > 0 {
				maxPosition = s.MaxPosition
			}
			return
		}
	}
	return
}

// RiskViolation is raised by continuous monitoring when aggregate exposure
// drifts over a limit. Violations are events: consumed once, not persisted.
type RiskViolation struct {
	Kind      string    `json:"kind"`
	Exchange  Exchange  `json:"exchange,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Value     float64   `json:"value"`
	Limit     float64   `json:"limit"`
	Timestamp time.Time `json:"timestamp"`
}
