// Package router selects the execution venue for each order. Eligibility
// is configuration plus live health: the exchange must list the symbol, its
// connector must be in a routable state, its book must be valid, and the
// risk layer must not have fenced it off. Among eligible venues the one
// with the deepest book near the touch wins; depth ties fall to the lower
// taker fee, then to the better recent fill ratio.
package router

import (
	"sort"

	"crossflow/config"
	"crossflow/internal/connector"
	"crossflow/internal/model"
	"crossflow/logger"
)

// Decision is the routing outcome for one order request.
type Decision struct {
	Exchange  model.Exchange
	Connector connector.Connector
	Depth     float64
	TakerFee  float64
	FillRatio float64
}

// Router scores eligible venues per request.
type Router struct {
	manager   *connector.Manager
	exchanges config.ExchangesConfig
	tolerance float64
	stats     *FillStats
	reachable func(model.Exchange) bool
	log       *logger.Log
}

// New builds a router. reachable is the risk layer's veto hook; nil means
// every venue is reachable.
func New(manager *connector.Manager, cfg *config.Config, stats *FillStats, reachable func(model.Exchange) bool) *Router {
	if reachable == nil {
		reachable = func(model.Exchange) bool { return true }
	}
	return &Router{
		manager:   manager,
		exchanges: cfg.Exchanges,
		tolerance: cfg.Trading.PriceImpactTolerance,
		stats:     stats,
		reachable: reachable,
		log:       logger.GetLogger(),
	}
}

// Stats exposes the fill statistics so the executor can record outcomes.
func (r *Router) Stats() *FillStats { return r.stats }

// Route picks the venue for req. Requests that pin an exchange skip
// scoring and only check that the pinned venue is eligible.
func (r *Router) Route(req *model.OrderRequest) (*Decision, error) {
	if req.Exchange != "" {
		d, ok := r.candidate(req.Exchange, req)
		if !ok {
			return nil, model.NewError(model.ErrRouting, req.Exchange, "route",
				"requested exchange not available for "+req.Symbol, nil)
		}
		return d, nil
	}

	candidates := make([]*Decision, 0, 3)
	for _, exchange := range []model.Exchange{model.ExchangeBinance, model.ExchangeBybit, model.ExchangeKucoin} {
		if d, ok := r.candidate(exchange, req); ok {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil, model.NewError(model.ErrRouting, "", "route",
			"no available exchange for "+req.Symbol, nil)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Depth != b.Depth {
			return a.Depth > b.Depth
		}
		if a.TakerFee != b.TakerFee {
			return a.TakerFee < b.TakerFee
		}
		return a.FillRatio > b.FillRatio
	})

	best := candidates[0]
	r.log.WithComponent("router").WithFields(logger.Fields{
		"symbol":     req.Symbol,
		"side":       req.Side,
		"exchange":   best.Exchange,
		"depth":      best.Depth,
		"taker_fee":  best.TakerFee,
		"fill_ratio": best.FillRatio,
		"candidates": len(candidates),
	}).Debug("order routed")
	return best, nil
}

// candidate evaluates one venue for a request.
func (r *Router) candidate(exchange model.Exchange, req *model.OrderRequest) (*Decision, bool) {
	ec, ok := r.exchanges.ByName(exchange)
	if !ok || !ec.Enabled || !ec.ListsSymbol(req.Symbol) {
		return nil, false
	}
	if !r.reachable(exchange) {
		return nil, false
	}
	conn, ok := r.manager.ByExchange(exchange)
	if !ok || !conn.Status().Routable() {
		return nil, false
	}
	book, ok := conn.OrderBookSnapshot(req.Symbol)
	if !ok || !book.Valid {
		return nil, false
	}
	depth := book.DepthWithin(req.Side, r.tolerance)
	if depth <= 0 {
		return nil, false
	}
	return &Decision{
		Exchange:  exchange,
		Connector: conn,
		Depth:     depth,
		TakerFee:  ec.TakerFee,
		FillRatio: r.stats.Ratio(exchange),
	}, true
}
