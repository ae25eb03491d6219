package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/skalacodebr/carplus/pkg/domain/model"
)

type Event interface{ Type() string }

type EventDispatcher interface{ Dispatch(event Event) error }

// PaymentGateway is the outbound interface to the external payment
// processor. Implementations must bound every call with the given context;
// retries are the caller's responsibility.
type PaymentGateway interface {
	UpsertCustomer(ctx context.Context, profile model.CustomerProfile) (string, error)
	CreatePayment(ctx context.Context, req model.PaymentRequest) (*model.PaymentIntent, error)
	GetPaymentStatus(ctx context.Context, externalPaymentID string) (string, error)
	CancelPayment(ctx context.Context, externalPaymentID string) error
	PixQrCode(ctx context.Context, externalPaymentID string) (*model.PixQrCode, error)
}

type CreateOrderInput struct {
	CustomerID     uuid.UUID
	Customer       model.CustomerProfile
	Items          []model.OrderItem
	DeliveryMethod model.DeliveryMethod
	PaymentMethod  model.PaymentMethod
	ShippingCents  int64
	CreditCard     *model.CreditCard
}

type CreateOrderResult struct {
	Order      *model.Order
	InvoiceURL string
	Pix        *model.PixQrCode
	DueDate    time.Time
}

// ApplyOutcome reports what the transition engine did with a gateway event.
type ApplyOutcome struct {
	Order      *model.Order
	Applied    bool
	NoOpReason string
}

type OrderService interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error
	AdvanceFulfillment(orderID uuid.UUID, requested model.FulfillmentState, note string, actorID uuid.UUID) error
	ApplyGatewayEvent(event model.GatewayEvent, source model.EventSource) (*ApplyOutcome, error)
	Reconcile(ctx context.Context, orderID uuid.UUID) (model.PaymentState, error)
	GetOrder(orderID uuid.UUID) (*model.Order, error)
	History(orderID uuid.UUID) ([]*model.StatusHistoryEntry, error)
}

func NewOrderService(repo model.OrderRepository, gateway PaymentGateway, dispatcher EventDispatcher, paymentDueDays int) OrderService {
	if paymentDueDays <= 0 {
		paymentDueDays = 3
	}
	return &orderService{
		repo:           repo,
		gateway:        gateway,
		dispatcher:     dispatcher,
		paymentDueDays: paymentDueDays,
	}
}

type orderService struct {
	repo           model.OrderRepository
	gateway        PaymentGateway
	dispatcher     EventDispatcher
	paymentDueDays int

	// locks serializes read-decide-write per order. The repository's
	// optimistic version check is the safety net for writers outside this
	// process. Entries are never evicted; one mutex per order seen is small
	// next to the order rows themselves.
	locks sync.Map // uuid.UUID -> *sync.Mutex
}

func (s *orderService) lockOrder(orderID uuid.UUID) func() {
	v, _ := s.locks.LoadOrStore(orderID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// NewOrderNumber allocates the human-readable order number used as the
// gateway correlation key, e.g. PED-1712345678901-4821.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("PED-%d-%04d", now.UnixMilli(), rand.Intn(10000))
}

func (s *orderService) CreateOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error) {
	if len(input.Items) == 0 {
		return nil, model.ErrOrderIsEmpty
	}
	var total int64
	for _, item := range input.Items {
		if item.PriceCents < 0 {
			return nil, model.ErrNegativePrice
		}
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		total += item.PriceCents * int64(qty)
	}
	total += input.ShippingCents

	orderID, err := s.repo.NextID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	number := NewOrderNumber(now)

	// Gateway first: if the charge cannot be created nothing is persisted.
	customerID, err := s.gateway.UpsertCustomer(ctx, input.Customer)
	if err != nil {
		return nil, err
	}
	intent, err := s.gateway.CreatePayment(ctx, model.PaymentRequest{
		CustomerID:        customerID,
		BillingType:       input.PaymentMethod,
		ValueCents:        total,
		DueDate:           now.AddDate(0, 0, s.paymentDueDays),
		Description:       fmt.Sprintf("Pedido %s", number),
		ExternalReference: number,
		CreditCard:        input.CreditCard,
		HolderInfo:        &input.Customer,
	})
	if err != nil {
		return nil, err
	}

	var pix *model.PixQrCode
	if input.PaymentMethod == model.PaymentMethodPix {
		pix, err = s.gateway.PixQrCode(ctx, intent.ID)
		if err != nil {
			s.logOrphanedPayment(intent.ID, number, err)
			return nil, err
		}
	}

	items := make([]model.OrderItem, len(input.Items))
	copy(items, input.Items)
	for i := range items {
		if items[i].ID == uuid.Nil {
			itemID, idErr := s.repo.NextID()
			if idErr != nil {
				s.logOrphanedPayment(intent.ID, number, idErr)
				return nil, idErr
			}
			items[i].ID = itemID
		}
		if items[i].Quantity <= 0 {
			items[i].Quantity = 1
		}
	}

	order := &model.Order{
		ID:                orderID,
		Number:            number,
		CustomerID:        input.CustomerID,
		PaymentState:      model.PaymentPending,
		FulfillmentState:  nil,
		DeliveryMethod:    input.DeliveryMethod,
		PaymentMethod:     input.PaymentMethod,
		ExternalPaymentID: intent.ID,
		PaymentURL:        intent.InvoiceURL,
		Items:             items,
		TotalCents:        total,
		ShippingCents:     input.ShippingCents,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.Create(order); err != nil {
		// The external charge already exists; blind retry could duplicate
		// it, so leave it for manual reconciliation.
		s.logOrphanedPayment(intent.ID, number, err)
		return nil, err
	}

	s.appendHistory(&model.StatusHistoryEntry{
		OrderID:         order.ID,
		NewPaymentState: model.PaymentPending,
		Note:            "order created, awaiting payment",
		Source:          model.SourceSystem,
	})
	_ = s.dispatcher.Dispatch(model.OrderCreated{
		OrderID:    order.ID,
		Number:     order.Number,
		CustomerID: order.CustomerID,
		TotalCents: order.TotalCents,
	})

	return &CreateOrderResult{
		Order:      order,
		InvoiceURL: intent.InvoiceURL,
		Pix:        pix,
		DueDate:    intent.DueDate,
	}, nil
}

func (s *orderService) logOrphanedPayment(externalPaymentID, number string, err error) {
	log.WithError(err).WithFields(log.Fields{
		"external_payment_id": externalPaymentID,
		"order_number":        number,
	}).Error("order persistence failed after gateway charge was created; external payment requires manual reconciliation")
}

func (s *orderService) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	unlock := s.lockOrder(orderID)
	defer unlock()

	order, err := s.repo.Find(orderID)
	if err != nil {
		return err
	}
	if order.PaymentState != model.PaymentPending && order.PaymentState != model.PaymentOverdue {
		return model.ErrOrderNotCancellable
	}

	if err := s.gateway.CancelPayment(ctx, order.ExternalPaymentID); err != nil {
		return err
	}

	note := "order cancelled"
	if reason != "" {
		note = fmt.Sprintf("order cancelled: %s", reason)
	}
	outcome, err := s.applyPaymentStateLocked(order, model.PaymentCanceled, model.SourceSystem, note)
	if err != nil {
		return err
	}
	if !outcome.Applied {
		// Cannot happen from PENDING/OVERDUE, but the engine stays the only
		// authority on edges.
		return model.ErrInvalidTransition
	}

	_ = s.dispatcher.Dispatch(model.OrderCancelled{OrderID: order.ID, Number: order.Number, Reason: reason})
	return nil
}

func (s *orderService) AdvanceFulfillment(orderID uuid.UUID, requested model.FulfillmentState, note string, actorID uuid.UUID) error {
	unlock := s.lockOrder(orderID)
	defer unlock()

	order, err := s.repo.Find(orderID)
	if err != nil {
		return err
	}

	var current model.FulfillmentState
	for attempt := 0; ; attempt++ {
		if order.FulfillmentState == nil {
			return model.ErrFulfillmentNotStarted
		}
		current = *order.FulfillmentState
		if model.IsTerminalFulfillment(current) {
			return model.ErrInvalidTransition
		}

		// CANCELED is an explicit operator short-circuit from any non-terminal
		// state; gateway events never drive it. Everything else must be the
		// immediate successor on the order's track.
		if requested != model.FulfillmentCanceled {
			next, ok := model.NextFulfillment(order.DeliveryMethod, current)
			if !ok || next != requested {
				if containsState(model.FulfillmentTrack(order.DeliveryMethod), requested) {
					return model.ErrFulfillmentSkip
				}
				return model.ErrInvalidTransition
			}
		}

		now := time.Now().UTC()
		order.FulfillmentState = &requested
		if requested == model.FulfillmentPickedUp || requested == model.FulfillmentDelivered {
			order.DeliveredAt = &now
		}

		err = s.updateOrder(order)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrOptimisticLock) || attempt >= 1 {
			return err
		}
		log.WithField("order_number", order.Number).Warn("optimistic lock conflict, retrying with fresh state")
		order, err = s.repo.Find(orderID)
		if err != nil {
			return err
		}
	}

	if note == "" {
		note = fmt.Sprintf("fulfillment advanced from %s to %s", current, requested)
	}
	prev := current
	actor := actorID
	s.appendHistory(&model.StatusHistoryEntry{
		OrderID:              order.ID,
		PreviousPaymentState: &order.PaymentState,
		NewPaymentState:      order.PaymentState,
		PreviousFulfillment:  &prev,
		NewFulfillment:       &requested,
		Note:                 note,
		Source:               model.SourceSystem,
		ActorID:              &actor,
	})
	_ = s.dispatcher.Dispatch(model.FulfillmentAdvanced{
		OrderID:  order.ID,
		Number:   order.Number,
		Previous: current,
		New:      requested,
	})
	return nil
}

func containsState(track []model.FulfillmentState, state model.FulfillmentState) bool {
	for _, s := range track {
		if s == state {
			return true
		}
	}
	return false
}

// ApplyGatewayEvent resolves the event to an order and drives the transition
// engine. Resolution tries the correlation reference (order number) first and
// falls back to the external payment id.
func (s *orderService) ApplyGatewayEvent(event model.GatewayEvent, source model.EventSource) (*ApplyOutcome, error) {
	if event.CorrelationReference == "" && event.ExternalPaymentID == "" {
		return nil, model.ErrMalformedEvent
	}

	order, err := s.resolveOrder(event)
	if err != nil {
		return nil, err
	}

	mapped, recognized := model.MapGatewayStatus(event.GatewayStatus)
	if !recognized {
		log.WithFields(log.Fields{
			"order_number":   order.Number,
			"gateway_status": event.GatewayStatus,
			"source":         source,
		}).Warn("unrecognized gateway status, treating as PENDING")
	}

	unlock := s.lockOrder(order.ID)
	defer unlock()

	// Re-read under the lock: a concurrent webhook/poll may have moved the
	// order between resolution and serialization.
	order, err = s.repo.Find(order.ID)
	if err != nil {
		return nil, err
	}

	note := fmt.Sprintf("gateway reported %s", event.GatewayStatus)
	outcome, err := s.applyPaymentStateLocked(order, mapped, source, note)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *orderService) resolveOrder(event model.GatewayEvent) (*model.Order, error) {
	if event.CorrelationReference != "" {
		order, err := s.repo.FindByNumber(event.CorrelationReference)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, model.ErrOrderNotFound) {
			return nil, err
		}
	}
	if event.ExternalPaymentID != "" {
		return s.repo.FindByExternalPaymentID(event.ExternalPaymentID)
	}
	return nil, model.ErrOrderNotFound
}

// Reconcile queries the gateway directly for the order's payment status and
// feeds the result through the same engine as the webhook path. Safe to call
// arbitrarily often.
func (s *orderService) Reconcile(ctx context.Context, orderID uuid.UUID) (model.PaymentState, error) {
	order, err := s.repo.Find(orderID)
	if err != nil {
		return "", err
	}

	status, err := s.gateway.GetPaymentStatus(ctx, order.ExternalPaymentID)
	if err != nil {
		return "", err
	}

	outcome, err := s.ApplyGatewayEvent(model.GatewayEvent{
		ExternalPaymentID:    order.ExternalPaymentID,
		CorrelationReference: order.Number,
		GatewayStatus:        status,
		ReceivedAt:           time.Now().UTC(),
	}, model.SourcePoll)
	if err != nil {
		return "", err
	}
	return outcome.Order.PaymentState, nil
}

func (s *orderService) GetOrder(orderID uuid.UUID) (*model.Order, error) {
	return s.repo.Find(orderID)
}

func (s *orderService) History(orderID uuid.UUID) ([]*model.StatusHistoryEntry, error) {
	return s.repo.HistoryFor(orderID)
}

// applyPaymentStateLocked runs decide-and-commit for an order the caller has
// already locked. On an optimistic lock conflict the order is re-read and the
// write retried once before the conflict is surfaced.
func (s *orderService) applyPaymentStateLocked(order *model.Order, incoming model.PaymentState, source model.EventSource, note string) (*ApplyOutcome, error) {
	for attempt := 0; ; attempt++ {
		decision := Decide(order.PaymentState, order.FulfillmentState, order.DeliveryMethod, incoming)
		if !decision.Applied {
			log.WithFields(log.Fields{
				"order_number": order.Number,
				"current":      order.PaymentState,
				"incoming":     incoming,
				"reason":       decision.NoOpReason,
				"source":       source,
			}).Info("transition skipped")
			return &ApplyOutcome{Order: order, Applied: false, NoOpReason: decision.NoOpReason}, nil
		}

		previous := order.PaymentState
		var previousFulfillment *model.FulfillmentState
		if order.FulfillmentState != nil {
			v := *order.FulfillmentState
			previousFulfillment = &v
		}

		order.PaymentState = decision.NewPaymentState
		if decision.NewFulfillment != nil {
			order.FulfillmentState = decision.NewFulfillment
		}
		// A refund short-circuits an unfinished fulfillment track.
		if decision.NewPaymentState == model.PaymentRefunded &&
			order.FulfillmentState != nil && !model.IsTerminalFulfillment(*order.FulfillmentState) {
			cancelled := model.FulfillmentCanceled
			order.FulfillmentState = &cancelled
		}

		err := s.updateOrder(order)
		if err == nil {
			s.recordPaymentChange(order, previous, previousFulfillment, decision, source, note)
			return &ApplyOutcome{Order: order, Applied: true}, nil
		}
		if !errors.Is(err, model.ErrOptimisticLock) || attempt >= 1 {
			return nil, err
		}

		log.WithField("order_number", order.Number).Warn("optimistic lock conflict, retrying with fresh state")
		fresh, findErr := s.repo.Find(order.ID)
		if findErr != nil {
			return nil, findErr
		}
		*order = *fresh
	}
}

// recordPaymentChange appends the ledger entries for an applied decision and
// dispatches the matching events. State is already committed at this point;
// a history failure is logged, never rolled back.
func (s *orderService) recordPaymentChange(order *model.Order, previous model.PaymentState, previousFulfillment *model.FulfillmentState, decision Decision, source model.EventSource, note string) {
	if note == "" {
		note = decision.Note
	}
	prev := previous
	s.appendHistory(&model.StatusHistoryEntry{
		OrderID:              order.ID,
		PreviousPaymentState: &prev,
		NewPaymentState:      order.PaymentState,
		Note:                 note,
		Source:               source,
	})
	_ = s.dispatcher.Dispatch(model.PaymentStateChanged{
		OrderID:  order.ID,
		Number:   order.Number,
		Previous: previous,
		New:      order.PaymentState,
		Source:   source,
	})

	if decision.NewFulfillment != nil {
		state := *decision.NewFulfillment
		s.appendHistory(&model.StatusHistoryEntry{
			OrderID:              order.ID,
			PreviousPaymentState: &prev,
			NewPaymentState:      order.PaymentState,
			PreviousFulfillment:  previousFulfillment,
			NewFulfillment:       decision.NewFulfillment,
			Note:                 fmt.Sprintf("fulfillment initialized at %s", state),
			Source:               source,
		})
		_ = s.dispatcher.Dispatch(model.FulfillmentInitialized{
			OrderID: order.ID,
			Number:  order.Number,
			State:   state,
		})
		return
	}

	// The refund short-circuit rewrites the fulfillment state; that change
	// gets its own ledger entry like any other fulfillment move.
	if previousFulfillment != nil && order.FulfillmentState != nil && *order.FulfillmentState != *previousFulfillment {
		state := *order.FulfillmentState
		s.appendHistory(&model.StatusHistoryEntry{
			OrderID:              order.ID,
			PreviousPaymentState: &prev,
			NewPaymentState:      order.PaymentState,
			PreviousFulfillment:  previousFulfillment,
			NewFulfillment:       &state,
			Note:                 "fulfillment cancelled by refund",
			Source:               source,
		})
		_ = s.dispatcher.Dispatch(model.FulfillmentAdvanced{
			OrderID:  order.ID,
			Number:   order.Number,
			Previous: *previousFulfillment,
			New:      state,
		})
	}
}

// appendHistory is best-effort by policy: the state commit already happened
// and matters more than ledger latency. Failures are logged for follow-up.
func (s *orderService) appendHistory(entry *model.StatusHistoryEntry) {
	if entry.ID == uuid.Nil {
		if id, err := s.repo.NextID(); err == nil {
			entry.ID = id
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.AppendHistory(entry); err != nil {
		log.WithError(err).WithField("order_id", entry.OrderID).Error("failed to append status history entry")
	}
}

func (s *orderService) updateOrder(order *model.Order) error {
	order.Version++
	order.UpdatedAt = time.Now().UTC()
	return s.repo.Update(order)
}
