package executor

import "crossflow/internal/model"

// transitions is the order state machine. Fills may arrive before the
// explicit acknowledgment, so Submitted accepts fill states directly.
var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderPending:         {model.OrderRouted, model.OrderRejected, model.OrderCancelled},
	model.OrderRouted:          {model.OrderSubmitted, model.OrderRejected, model.OrderCancelled},
	model.OrderSubmitted:       {model.OrderAcknowledged, model.OrderPartiallyFilled, model.OrderFilled, model.OrderRejected, model.OrderCancelled},
	model.OrderAcknowledged:    {model.OrderPartiallyFilled, model.OrderFilled, model.OrderRejected, model.OrderCancelled},
	model.OrderPartiallyFilled: {model.OrderPartiallyFilled, model.OrderFilled, model.OrderCancelled},
}

// canTransition reports whether from may move to to. Terminal states
// accept nothing, which is what makes a late cancel ack lose to an
// earlier fill.
func canTransition(from, to model.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
