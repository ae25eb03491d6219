package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrOptimisticLock        = errors.New("order has been modified by another transaction")
	ErrOrderNotCancellable   = errors.New("order can no longer be cancelled")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrFulfillmentSkip       = errors.New("fulfillment state must advance one step at a time")
	ErrFulfillmentNotStarted = errors.New("fulfillment has not started for this order")
	ErrGatewayFailure        = errors.New("payment gateway request failed")
	ErrMalformedEvent        = errors.New("malformed gateway event")
	ErrOrderIsEmpty          = errors.New("cannot create an empty order")
	ErrNegativePrice         = errors.New("item price cannot be negative")
)

type PaymentState string

const (
	PaymentPending  PaymentState = "PENDING"
	PaymentPaid     PaymentState = "PAID"
	PaymentOverdue  PaymentState = "OVERDUE"
	PaymentCanceled PaymentState = "CANCELED"
	PaymentRefunded PaymentState = "REFUNDED"
)

type FulfillmentState string

const (
	// Pickup track.
	FulfillmentAwaitingPrep   FulfillmentState = "AWAITING_PREP"
	FulfillmentPreparing      FulfillmentState = "PREPARING"
	FulfillmentReadyForPickup FulfillmentState = "READY_FOR_PICKUP"
	FulfillmentPickedUp       FulfillmentState = "PICKED_UP"

	// Shipping track.
	FulfillmentAwaitingAcceptance FulfillmentState = "AWAITING_ACCEPTANCE"
	FulfillmentAccepted           FulfillmentState = "ACCEPTED"
	FulfillmentInTransit          FulfillmentState = "IN_TRANSIT"
	FulfillmentDelivered          FulfillmentState = "DELIVERED"

	FulfillmentCanceled FulfillmentState = "CANCELED"
)

type DeliveryMethod string

const (
	DeliveryPickup   DeliveryMethod = "PICKUP"
	DeliveryShipping DeliveryMethod = "SHIPPING"
)

type PaymentMethod string

const (
	PaymentMethodPix        PaymentMethod = "PIX"
	PaymentMethodBoleto     PaymentMethod = "BOLETO"
	PaymentMethodCreditCard PaymentMethod = "CREDIT_CARD"
)

// EventSource identifies which entry point drove a status transition.
type EventSource string

const (
	SourceWebhook EventSource = "WEBHOOK"
	SourcePoll    EventSource = "POLL"
	SourceSystem  EventSource = "SYSTEM"
)

type Order struct {
	ID                uuid.UUID
	Number            string // human-readable, e.g. PED-1712345678901-4821; gateway correlation key
	CustomerID        uuid.UUID
	PaymentState      PaymentState
	FulfillmentState  *FulfillmentState // nil until the order first reaches PAID
	DeliveryMethod    DeliveryMethod
	PaymentMethod     PaymentMethod
	ExternalPaymentID string // assigned by the gateway at creation, immutable once set
	PaymentURL        string
	Items             []OrderItem
	TotalCents        int64
	ShippingCents     int64
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeliveredAt       *time.Time
}

type OrderItem struct {
	ID          uuid.UUID
	ProductID   uuid.UUID
	Description string
	Quantity    int
	PriceCents  int64
}

// StatusHistoryEntry is the append-only ledger row behind every applied
// transition. Entries are never mutated or deleted.
type StatusHistoryEntry struct {
	ID                   uuid.UUID
	OrderID              uuid.UUID
	PreviousPaymentState *PaymentState
	NewPaymentState      PaymentState
	PreviousFulfillment  *FulfillmentState
	NewFulfillment       *FulfillmentState
	Note                 string
	Source               EventSource
	ActorID              *uuid.UUID
	CreatedAt            time.Time
}

// GatewayEvent is the transient input extracted from a gateway notification.
// It is not persisted as its own entity; the raw payload goes to WebhookLog.
type GatewayEvent struct {
	ExternalPaymentID    string
	CorrelationReference string // order number, optional
	GatewayStatus        string // vendor vocabulary
	ReceivedAt           time.Time
}

type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookNoOp      WebhookOutcome = "noop"
	WebhookUnmatched WebhookOutcome = "unmatched"
	WebhookRejected  WebhookOutcome = "rejected"
)

// WebhookLog is the raw-event audit record, independent of the history
// ledger, kept for forensic replay.
type WebhookLog struct {
	ID        uuid.UUID
	Provider  string
	Event     string
	Payload   []byte
	OrderID   *uuid.UUID
	Outcome   WebhookOutcome
	CreatedAt time.Time
}

type OrderRepository interface {
	NextID() (uuid.UUID, error)

	Create(order *Order) error
	Find(id uuid.UUID) (*Order, error)
	FindByNumber(number string) (*Order, error)
	FindByExternalPaymentID(externalPaymentID string) (*Order, error)
	Update(order *Order) error

	AppendHistory(entry *StatusHistoryEntry) error
	HistoryFor(orderID uuid.UUID) ([]*StatusHistoryEntry, error)
}

type WebhookAuditLog interface {
	Record(entry *WebhookLog) error
}
