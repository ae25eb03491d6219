package service

import (
	"fmt"

	"github.com/skalacodebr/carplus/pkg/domain/model"
)

// NoOp reasons returned by Decide. A NoOp is not an error: it is the
// mechanism that makes replayed and out-of-order gateway deliveries safe.
const (
	NoOpStaleOrDuplicate = "stale or duplicate"
	NoOpTerminalState    = "terminal state"
)

// validPaymentEdges lists the allowed payment transitions. Anything missing
// here is rejected as a NoOp; there is no path out of CANCELED or REFUNDED.
var validPaymentEdges = map[model.PaymentState][]model.PaymentState{
	model.PaymentPending:  {model.PaymentPaid, model.PaymentOverdue, model.PaymentCanceled},
	model.PaymentOverdue:  {model.PaymentPaid, model.PaymentCanceled},
	model.PaymentPaid:     {model.PaymentRefunded},
	model.PaymentCanceled: {},
	model.PaymentRefunded: {},
}

func canTransition(from, to model.PaymentState) bool {
	for _, allowed := range validPaymentEdges[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Decision is the outcome of the transition engine. When Applied is false
// the caller must not mutate the order or append history.
type Decision struct {
	Applied         bool
	NewPaymentState model.PaymentState
	NewFulfillment  *model.FulfillmentState // non-nil only on the first entry into PAID
	Note            string
	NoOpReason      string
}

// Decide is the single decision point for payment state transitions. It is a
// pure function: both the webhook handler and the reconciliation poller feed
// their mapped gateway states through it, serialized per order by the caller,
// so replays and races collapse into NoOps.
func Decide(current model.PaymentState, fulfillment *model.FulfillmentState, method model.DeliveryMethod, incoming model.PaymentState) Decision {
	if canTransition(current, incoming) {
		decision := Decision{
			Applied:         true,
			NewPaymentState: incoming,
			Note:            fmt.Sprintf("payment status updated from %s to %s", current, incoming),
		}
		if incoming == model.PaymentPaid && fulfillment == nil {
			initial := model.InitialFulfillment(method)
			decision.NewFulfillment = &initial
		}
		return decision
	}

	// Terminal states admit nothing, and a cancellation never applies once
	// PAID has been reached.
	if model.IsTerminalPayment(current) || incoming == model.PaymentCanceled {
		return Decision{NoOpReason: NoOpTerminalState}
	}
	// Lower-or-equal precedence is a late or duplicated delivery.
	if model.Precedence(incoming) <= model.Precedence(current) {
		return Decision{NoOpReason: NoOpStaleOrDuplicate}
	}
	// Higher precedence with no valid edge, e.g. a refund before payment.
	return Decision{NoOpReason: NoOpTerminalState}
}
