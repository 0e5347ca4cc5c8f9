// Package executor drives each order through routing, risk, submission
// and fill tracking, and escalates ambiguous outcomes to reconciliation
// instead of guessing.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"crossflow/config"
	"crossflow/internal/connector"
	"crossflow/internal/flow"
	"crossflow/internal/model"
	"crossflow/internal/position"
	"crossflow/internal/risk"
	"crossflow/internal/router"
	"crossflow/logger"
)

const (
	defaultOrderTimeout      = 10 * time.Second
	defaultAckTimeout        = 5 * time.Second
	defaultReconcileAttempts = 5
	defaultReconcileInterval = 2 * time.Second
	fillEpsilon              = 1e-9
)

// Result pairs one batch element with its outcome.
type Result struct {
	Order *model.Order
	Err   error
}

type reconcileTask struct {
	clientOrderID string
	attempts      int
}

// Executor owns every order record for its lifetime. At most one submit
// or cancel operation is in flight per client order id; later requests
// for the same id queue behind the in-flight one.
type Executor struct {
	cfg        config.TradingConfig
	router     *router.Router
	risk       *risk.Manager
	positions  *position.Manager
	flow       *flow.Manager
	connectors *connector.Manager

	mu     sync.RWMutex
	orders map[string]*model.Order
	gates  map[string]chan struct{}

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	tasks chan reconcileTask
	log   *logger.Log
}

// NewExecutor wires the execution pipeline together.
func NewExecutor(cfg config.TradingConfig, rt *router.Router, rk *risk.Manager, pos *position.Manager, fl *flow.Manager, conns *connector.Manager) *Executor {
	return &Executor{
		cfg:        cfg,
		router:     rt,
		risk:       rk,
		positions:  pos,
		flow:       fl,
		connectors: conns,
		orders:     make(map[string]*model.Order),
		gates:      make(map[string]chan struct{}),
		tasks:      make(chan reconcileTask, 256),
		log:        logger.GetLogger(),
	}
}

// Start launches the user-event loop and the reconciliation worker.
func (e *Executor) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.running {
		return errors.New("executor already running")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	sub := e.flow.Subscribe("executor", flow.Filter{
		Types: []model.EventType{model.EventFill, model.EventOrderUpdate},
	})
	e.wg.Add(2)
	go e.userEventLoop(ctx, sub)
	go e.reconcileLoop(ctx)

	e.log.WithComponent("executor").Info("executor started")
	return nil
}

// Stop cancels the workers and waits for them.
func (e *Executor) Stop() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if !e.running {
		return errors.New("executor not running")
	}
	e.cancel()
	e.wg.Wait()
	e.running = false
	e.log.WithComponent("executor").Info("executor stopped")
	return nil
}

// acquireGate takes the per-id in-flight slot, creating it on first use.
// The returned release must be called exactly once.
func (e *Executor) acquireGate(ctx context.Context, id string) (func(), error) {
	e.mu.Lock()
	gate, ok := e.gates[id]
	if !ok {
		gate = make(chan struct{}, 1)
		e.gates[id] = gate
	}
	e.mu.Unlock()

	select {
	case gate <- struct{}{}:
		return func() { <-gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit runs one order through route, risk and placement. On a Reduced
// risk decision the order is submitted at the suggested quantity. A
// timed-out placement returns an unknown-outcome error and the order is
// handed to reconciliation.
func (e *Executor) Submit(ctx context.Context, req *model.OrderRequest) (*model.Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	release, err := e.acquireGate(ctx, req.ClientOrderID)
	if err != nil {
		return nil, err
	}
	defer release()

	e.mu.Lock()
	if existing, ok := e.orders[req.ClientOrderID]; ok && !existing.Status.Terminal() {
		e.mu.Unlock()
		return nil, model.NewError(model.ErrInvalidParameters, "", "submit",
			"client order id already in use: "+req.ClientOrderID, nil)
	}
	order := &model.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        model.OrderPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	e.orders[req.ClientOrderID] = order
	e.mu.Unlock()

	decision, err := e.router.Route(req)
	if err != nil {
		e.finalize(order, model.OrderRejected, err.Error())
		return e.snapshot(req.ClientOrderID), err
	}
	e.transition(order, model.OrderRouted, "")
	e.setExchange(order, decision.Exchange)

	refPrice := e.referencePrice(decision, req)
	verdict := e.risk.CheckOrderRisk(decision.Exchange, req, refPrice)
	switch verdict.Action {
	case model.RiskRejected:
		e.finalize(order, model.OrderRejected, verdict.Reason)
		return e.snapshot(req.ClientOrderID), model.NewError(model.ErrRejected, decision.Exchange, "submit", verdict.Reason, nil)
	case model.RiskReduced:
		e.log.WithComponent("executor").WithFields(logger.Fields{
			"client_order_id": req.ClientOrderID,
			"requested":       req.Quantity,
			"reduced":         verdict.SuggestedQuantity,
		}).Warn("order size reduced by risk check")
		submitReq := *req
		submitReq.Quantity = verdict.SuggestedQuantity
		req = &submitReq
		e.mu.Lock()
		order.Quantity = verdict.SuggestedQuantity
		e.mu.Unlock()
	}

	e.transition(order, model.OrderSubmitted, "")

	timeout := e.cfg.OrderTimeout
	if timeout <= 0 {
		timeout = defaultOrderTimeout
	}
	opCtx, opCancel := context.WithTimeout(ctx, timeout)
	placed, err := decision.Connector.PlaceOrder(opCtx, req)
	opCancel()

	if err != nil {
		if isUnknownOutcome(err) {
			e.setReason(order, "unknown outcome, reconciliation pending")
			e.enqueueReconcile(req.ClientOrderID)
			return e.snapshot(req.ClientOrderID), model.NewError(model.ErrUnknownOutcome, decision.Exchange, "submit",
				"placement timed out for "+req.ClientOrderID, err)
		}
		e.finalize(order, model.OrderRejected, err.Error())
		e.router.Stats().Record(decision.Exchange, false)
		return e.snapshot(req.ClientOrderID), err
	}

	logger.IncrementOrderPlaced()
	e.mu.Lock()
	if placed != nil {
		order.ExchangeOrderID = placed.ExchangeOrderID
	}
	e.mu.Unlock()

	if placed != nil && placed.Status == model.OrderSubmitted {
		// the venue accepted the request but has not acknowledged the
		// order yet; the ack watchdog reconciles if the user stream
		// stays silent.
		e.watchAck(req.ClientOrderID)
		return e.snapshot(req.ClientOrderID), nil
	}
	ackStatus := model.OrderAcknowledged
	if placed != nil && placed.Status != "" && canTransition(model.OrderSubmitted, placed.Status) {
		ackStatus = placed.Status
	}
	e.transition(order, ackStatus, "")
	return e.snapshot(req.ClientOrderID), nil
}

// watchAck escalates an order still sitting in Submitted after the ack
// timeout to the reconciliation queue.
func (e *Executor) watchAck(clientOrderID string) {
	timeout := e.cfg.AckTimeout
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	time.AfterFunc(timeout, func() {
		e.mu.RLock()
		order := e.orders[clientOrderID]
		stale := order != nil && order.Status == model.OrderSubmitted
		e.mu.RUnlock()
		if !stale {
			return
		}
		e.log.WithComponent("executor").WithFields(logger.Fields{
			"client_order_id": clientOrderID,
		}).Warn("no exchange acknowledgment within timeout, reconciling")
		e.enqueueReconcile(clientOrderID)
	})
}

// Cancel requests cancellation of a live order. A fill that lands before
// the cancel acknowledgment wins: the order stays filled and the cancel
// reports a rejection.
func (e *Executor) Cancel(ctx context.Context, clientOrderID string) error {
	release, err := e.acquireGate(ctx, clientOrderID)
	if err != nil {
		return err
	}
	defer release()

	order := e.snapshot(clientOrderID)
	if order == nil {
		return model.NewError(model.ErrInvalidParameters, "", "cancel",
			"unknown client order id: "+clientOrderID, nil)
	}
	if order.Status.Terminal() {
		return model.NewError(model.ErrRejected, order.Exchange, "cancel",
			fmt.Sprintf("order %s already %s", clientOrderID, order.Status), nil)
	}
	conn, ok := e.connectors.ByExchange(order.Exchange)
	if !ok {
		return model.NewError(model.ErrRouting, order.Exchange, "cancel",
			"no connector for exchange", nil)
	}

	timeout := e.cfg.OrderTimeout
	if timeout <= 0 {
		timeout = defaultOrderTimeout
	}
	opCtx, opCancel := context.WithTimeout(ctx, timeout)
	err = conn.CancelOrder(opCtx, order.Symbol, clientOrderID)
	opCancel()

	if err != nil {
		if isUnknownOutcome(err) {
			e.enqueueReconcile(clientOrderID)
			return model.NewError(model.ErrUnknownOutcome, order.Exchange, "cancel",
				"cancel timed out for "+clientOrderID, err)
		}
		return err
	}

	e.mu.Lock()
	live := e.orders[clientOrderID]
	moved := false
	if live != nil && canTransition(live.Status, model.OrderCancelled) {
		live.Status = model.OrderCancelled
		live.UpdatedAt = time.Now()
		moved = true
	}
	var copyOut model.Order
	if live != nil {
		copyOut = *live
	}
	e.mu.Unlock()

	if !moved {
		// the order went terminal while the cancel was in flight
		return model.NewError(model.ErrRejected, order.Exchange, "cancel",
			fmt.Sprintf("order %s reached %s before cancel ack", clientOrderID, copyOut.Status), nil)
	}
	e.router.Stats().Record(order.Exchange, false)
	e.publishOrder(copyOut)
	return nil
}

// Modify replaces a working order with one at a new price and quantity.
// Exchanges key orders by immutable client ids, so a modify is a cancel
// followed by a fresh submit pinned to the same venue; the replacement
// carries the supplied client id. Quantity already filled on the old
// order stays filled.
func (e *Executor) Modify(ctx context.Context, clientOrderID, replacementID string, price, quantity float64) (*model.Order, error) {
	if replacementID == "" || replacementID == clientOrderID {
		return nil, model.NewError(model.ErrInvalidParameters, "", "modify",
			"replacement needs a distinct client order id", nil)
	}
	order := e.snapshot(clientOrderID)
	if order == nil {
		return nil, model.NewError(model.ErrInvalidParameters, "", "modify",
			"unknown client order id: "+clientOrderID, nil)
	}

	if err := e.Cancel(ctx, clientOrderID); err != nil {
		return nil, err
	}

	req := &model.OrderRequest{
		ClientOrderID: replacementID,
		Exchange:      order.Exchange,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      quantity,
		Price:         price,
	}
	return e.Submit(ctx, req)
}

// SubmitBatch applies Submit to each request independently and returns
// one result per input in input order.
func (e *Executor) SubmitBatch(ctx context.Context, reqs []*model.OrderRequest) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *model.OrderRequest) {
			defer wg.Done()
			order, err := e.Submit(ctx, req)
			results[i] = Result{Order: order, Err: err}
		}(i, req)
	}
	wg.Wait()
	return results
}

// CancelBatch cancels each id independently, one error slot per input.
func (e *Executor) CancelBatch(ctx context.Context, clientOrderIDs []string) []error {
	errs := make([]error, len(clientOrderIDs))
	var wg sync.WaitGroup
	for i, id := range clientOrderIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = e.Cancel(ctx, id)
		}(i, id)
	}
	wg.Wait()
	return errs
}

// OnSignal routes an opaque strategy signal into Submit.
func (e *Executor) OnSignal(ctx context.Context, sig model.StrategySignal) (*model.Order, error) {
	req := sig.Request
	return e.Submit(ctx, &req)
}

// SignalHandler consumes one market event and may emit order signals.
// The executor treats the handler as opaque.
type SignalHandler func(model.Event) []model.StrategySignal

// RunStrategy feeds a filtered event subscription to handler and submits
// every signal it returns. It blocks until ctx is done. Rejected signals
// are logged and do not stop the loop.
func (e *Executor) RunStrategy(ctx context.Context, name string, filter flow.Filter, handler SignalHandler) error {
	sub := e.flow.Subscribe(name, filter)
	defer sub.Close()

	log := e.log.WithComponent("executor").WithFields(logger.Fields{"strategy": name})
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		for _, sig := range handler(ev) {
			if _, err := e.OnSignal(ctx, sig); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"client_order_id": sig.Request.ClientOrderID,
				}).Warn("strategy signal rejected")
			}
		}
	}
}

// Order returns a copy of the executor's record for one id.
func (e *Executor) Order(clientOrderID string) (model.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	order, ok := e.orders[clientOrderID]
	if !ok {
		return model.Order{}, false
	}
	return *order, true
}

// HandleUserEvent folds a user-stream event into the owned order records
// and the position book. Fills always apply before any concurrently
// arriving cancel acknowledgment.
func (e *Executor) HandleUserEvent(ev model.Event) {
	switch ev.Type {
	case model.EventFill:
		if ev.Fill == nil {
			return
		}
		e.applyFill(*ev.Fill)
	case model.EventOrderUpdate:
		if ev.Order == nil {
			return
		}
		e.applyOrderUpdate(*ev.Order)
	}
}

func (e *Executor) applyFill(f model.Fill) {
	// a zero or negative quantity would poison the running average
	if f.Quantity <= 0 {
		return
	}
	e.positions.ApplyFill(f)

	e.mu.Lock()
	order, ok := e.orders[f.ClientOrderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	prevFilled := order.FilledQuantity
	order.AvgFillPrice = (order.AvgFillPrice*prevFilled + f.Price*f.Quantity) / (prevFilled + f.Quantity)
	order.FilledQuantity = prevFilled + f.Quantity

	next := model.OrderPartiallyFilled
	if order.FilledQuantity >= order.Quantity-fillEpsilon {
		next = model.OrderFilled
	}
	if canTransition(order.Status, next) {
		order.Status = next
	}
	order.UpdatedAt = f.Timestamp
	copyOut := *order
	e.mu.Unlock()

	if copyOut.Status == model.OrderFilled {
		e.router.Stats().Record(f.Exchange, true)
	}
	e.publishOrder(copyOut)
}

func (e *Executor) applyOrderUpdate(u model.OrderUpdate) {
	e.mu.Lock()
	order, ok := e.orders[u.ClientOrderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if u.ExchangeOrderID != "" {
		order.ExchangeOrderID = u.ExchangeOrderID
	}
	changed := false
	if u.Status != "" && u.Status != order.Status && canTransition(order.Status, u.Status) {
		order.Status = u.Status
		order.UpdatedAt = u.Timestamp
		changed = true
	}
	copyOut := *order
	e.mu.Unlock()

	if changed && copyOut.Status.Terminal() && copyOut.Status != model.OrderFilled {
		e.router.Stats().Record(copyOut.Exchange, false)
	}
}

func (e *Executor) userEventLoop(ctx context.Context, sub *flow.Subscription) {
	defer e.wg.Done()
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		logger.IncrementUserEvent(1)
		e.HandleUserEvent(ev)
	}
}

// reconcileLoop resolves unknown-outcome orders by querying the exchange
// until a definite state is observed or attempts exhaust.
func (e *Executor) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	maxAttempts := e.cfg.ReconcileAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultReconcileAttempts
	}

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.tasks:
			if connector.Wait(ctx, interval) {
				return
			}
			e.reconcileOrder(ctx, task, maxAttempts)
		}
	}
}

func (e *Executor) reconcileOrder(ctx context.Context, task reconcileTask, maxAttempts int) {
	order := e.snapshot(task.clientOrderID)
	if order == nil || order.Status.Terminal() {
		return
	}
	entry := e.log.WithComponent("executor").WithFields(logger.Fields{
		"client_order_id": task.clientOrderID,
		"exchange":        order.Exchange,
		"attempt":         task.attempts + 1,
	})

	conn, ok := e.connectors.ByExchange(order.Exchange)
	if !ok {
		entry.Error("reconciliation impossible, connector gone")
		return
	}
	timeout := e.cfg.OrderTimeout
	if timeout <= 0 {
		timeout = defaultOrderTimeout
	}
	opCtx, opCancel := context.WithTimeout(ctx, timeout)
	remote, err := conn.QueryOrder(opCtx, order.Symbol, task.clientOrderID)
	opCancel()

	if err != nil || remote == nil {
		task.attempts++
		if task.attempts >= maxAttempts {
			entry.WithError(err).Error("reconciliation attempts exhausted, order state unresolved")
			e.setReason(e.ordersRef(task.clientOrderID), "unresolved after reconciliation")
			return
		}
		entry.WithError(err).Warn("order status query failed, will retry")
		e.enqueueTask(task)
		return
	}

	e.mu.Lock()
	live := e.orders[task.clientOrderID]
	if live != nil {
		live.ExchangeOrderID = remote.ExchangeOrderID
		if remote.FilledQuantity > live.FilledQuantity {
			live.AvgFillPrice = remote.AvgFillPrice
			live.FilledQuantity = remote.FilledQuantity
		}
		if remote.Status != "" && canTransition(live.Status, remote.Status) {
			live.Status = remote.Status
			live.UpdatedAt = time.Now()
		}
		copyOut := *live
		e.mu.Unlock()
		entry.WithFields(logger.Fields{"status": copyOut.Status}).Info("order reconciled")
		e.publishOrder(copyOut)
		return
	}
	e.mu.Unlock()
}

func (e *Executor) enqueueReconcile(clientOrderID string) {
	e.enqueueTask(reconcileTask{clientOrderID: clientOrderID})
}

func (e *Executor) enqueueTask(task reconcileTask) {
	select {
	case e.tasks <- task:
	default:
		e.log.WithComponent("executor").WithFields(logger.Fields{
			"client_order_id": task.clientOrderID,
		}).Error("reconciliation queue full, task dropped")
	}
}

func (e *Executor) referencePrice(d *router.Decision, req *model.OrderRequest) float64 {
	book, ok := d.Connector.OrderBookSnapshot(req.Symbol)
	if ok && book.Valid {
		if req.Side == model.SideBuy {
			if ask, ok := book.BestAsk(); ok {
				return ask.Price
			}
		} else {
			if bid, ok := book.BestBid(); ok {
				return bid.Price
			}
		}
	}
	return req.Price
}

func (e *Executor) transition(order *model.Order, to model.OrderStatus, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !canTransition(order.Status, to) {
		return
	}
	order.Status = to
	if reason != "" {
		order.Reason = reason
	}
	order.UpdatedAt = time.Now()
}

func (e *Executor) finalize(order *model.Order, status model.OrderStatus, reason string) {
	e.transition(order, status, reason)
}

func (e *Executor) setExchange(order *model.Order, exchange model.Exchange) {
	e.mu.Lock()
	order.Exchange = exchange
	e.mu.Unlock()
}

func (e *Executor) setReason(order *model.Order, reason string) {
	if order == nil {
		return
	}
	e.mu.Lock()
	order.Reason = reason
	e.mu.Unlock()
}

func (e *Executor) ordersRef(clientOrderID string) *model.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders[clientOrderID]
}

func (e *Executor) snapshot(clientOrderID string) *model.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	order, ok := e.orders[clientOrderID]
	if !ok {
		return nil
	}
	copyOut := *order
	return &copyOut
}

func (e *Executor) publishOrder(order model.Order) {
	e.flow.Publish(model.Event{
		Type:      model.EventOrderUpdate,
		Exchange:  order.Exchange,
		Symbol:    order.Symbol,
		Timestamp: order.UpdatedAt,
		Order: &model.OrderUpdate{
			Exchange:        order.Exchange,
			Symbol:          order.Symbol,
			ClientOrderID:   order.ClientOrderID,
			ExchangeOrderID: order.ExchangeOrderID,
			Status:          order.Status,
			FilledQuantity:  order.FilledQuantity,
			Timestamp:       order.UpdatedAt,
		},
	})
}

func validateRequest(req *model.OrderRequest) error {
	switch {
	case req == nil:
		return model.NewError(model.ErrInvalidParameters, "", "submit", "nil request", nil)
	case req.ClientOrderID == "":
		return model.NewError(model.ErrInvalidParameters, "", "submit", "missing client order id", nil)
	case req.Symbol == "":
		return model.NewError(model.ErrInvalidParameters, "", "submit", "missing symbol", nil)
	case req.Side != model.SideBuy && req.Side != model.SideSell:
		return model.NewError(model.ErrInvalidParameters, "", "submit", "invalid side", nil)
	case req.Quantity <= 0 || math.IsNaN(req.Quantity):
		return model.NewError(model.ErrInvalidParameters, "", "submit", "non-positive quantity", nil)
	case req.Type == model.OrderTypeLimit && req.Price <= 0:
		return model.NewError(model.ErrInvalidParameters, "", "submit", "limit order without price", nil)
	}
	return nil
}

func isUnknownOutcome(err error) bool {
	return model.IsKind(err, model.ErrUnknownOutcome) ||
		errors.Is(err, context.DeadlineExceeded)
}
