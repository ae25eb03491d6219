package model

import "strings"

// MapGatewayStatus translates the gateway's event/status vocabulary into the
// internal payment state set. The second return value reports whether the
// code was recognized; unrecognized codes fall back to PENDING and must be
// logged as an anomaly by the caller, never silently dropped.
func MapGatewayStatus(code string) (PaymentState, bool) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "PAYMENT_CONFIRMED", "PAYMENT_RECEIVED", "CONFIRMED", "RECEIVED":
		return PaymentPaid, true
	case "PAYMENT_OVERDUE", "OVERDUE":
		return PaymentOverdue, true
	case "PAYMENT_DELETED", "PAYMENT_CANCELED", "CANCELED":
		return PaymentCanceled, true
	case "PAYMENT_REFUNDED", "PAYMENT_REFUND_REQUESTED", "REFUNDED":
		return PaymentRefunded, true
	default:
		return PaymentPending, false
	}
}

// paymentPrecedence ranks payment states by finality. Updates may only move
// forward along this ranking; CANCELED sits outside it and is handled by the
// explicit edge table in the transition engine.
var paymentPrecedence = map[PaymentState]int{
	PaymentPending:  0,
	PaymentOverdue:  1,
	PaymentPaid:     2,
	PaymentRefunded: 3,
}

func Precedence(state PaymentState) int {
	return paymentPrecedence[state]
}

// IsTerminalPayment reports whether no further gateway-driven transition is
// possible from the given state.
func IsTerminalPayment(state PaymentState) bool {
	return state == PaymentCanceled || state == PaymentRefunded
}

var (
	pickupTrack   = []FulfillmentState{FulfillmentAwaitingPrep, FulfillmentPreparing, FulfillmentReadyForPickup, FulfillmentPickedUp}
	shippingTrack = []FulfillmentState{FulfillmentAwaitingAcceptance, FulfillmentAccepted, FulfillmentInTransit, FulfillmentDelivered}
)

// FulfillmentTrack returns the delivery-method-specific sequence of
// operational states, in order.
func FulfillmentTrack(method DeliveryMethod) []FulfillmentState {
	if method == DeliveryShipping {
		return shippingTrack
	}
	return pickupTrack
}

// InitialFulfillment is the state an order enters when its payment is first
// confirmed.
func InitialFulfillment(method DeliveryMethod) FulfillmentState {
	return FulfillmentTrack(method)[0]
}

// NextFulfillment returns the immediate successor of current in the method's
// track. ok is false when current is terminal or not part of the track.
func NextFulfillment(method DeliveryMethod, current FulfillmentState) (FulfillmentState, bool) {
	track := FulfillmentTrack(method)
	for i, state := range track {
		if state == current {
			if i == len(track)-1 {
				return "", false
			}
			return track[i+1], true
		}
	}
	return "", false
}

// IsTerminalFulfillment reports whether the fulfillment track has ended.
func IsTerminalFulfillment(state FulfillmentState) bool {
	return state == FulfillmentPickedUp || state == FulfillmentDelivered || state == FulfillmentCanceled
}
