package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/skalacodebr/carplus/pkg/domain/model"
	"github.com/skalacodebr/carplus/pkg/domain/service"
)

const webhookProvider = "asaas"

type Handler struct {
	orders service.OrderService
	audit  model.WebhookAuditLog
}

// Router wires all HTTP routes. The simulation endpoint is registered only
// when enabled; it routes through the same webhook code path so the engine's
// rules cannot be bypassed.
func Router(orders service.OrderService, audit model.WebhookAuditLog, simulationEnabled bool) http.Handler {
	handler := &Handler{orders: orders, audit: audit}

	r := mux.NewRouter()
	// Registered with Use so the matched route name is available for the
	// metric labels.
	r.Use(metricsMiddleware)
	r.HandleFunc("/api/webhooks/asaas", handler.webhookHandler).Methods(http.MethodPost).Name("webhook")
	r.HandleFunc("/api/payment/status", handler.reconcileHandler).Methods(http.MethodGet).Name("payment_status")
	r.HandleFunc("/api/orders", handler.createOrderHandler).Methods(http.MethodPost).Name("create_order")
	r.HandleFunc("/api/orders/{orderId}", handler.getOrderHandler).Methods(http.MethodGet).Name("get_order")
	r.HandleFunc("/api/orders/{orderId}/cancel", handler.cancelOrderHandler).Methods(http.MethodPost).Name("cancel_order")
	r.HandleFunc("/api/orders/{orderId}/fulfillment", handler.advanceFulfillmentHandler).Methods(http.MethodPost).Name("advance_fulfillment")
	if simulationEnabled {
		r.HandleFunc("/api/simulate-payment", handler.simulatePaymentHandler).Methods(http.MethodPost).Name("simulate_payment")
	}
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet).Name("health")
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return logMiddleware(r)
}

type webhookPayment struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	ExternalReference string `json:"externalReference"`
}

type webhookRequest struct {
	Event   string          `json:"event"`
	Payment *webhookPayment `json:"payment"`
}

func (h *Handler) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}
	h.processGatewayPayload(w, body)
}

// processGatewayPayload is shared by the real webhook endpoint and the
// simulation endpoint. Every payload is written to the raw-event audit log
// regardless of outcome.
func (h *Handler) processGatewayPayload(w http.ResponseWriter, body []byte) {
	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Payment == nil {
		h.recordAudit(body, req.Event, nil, model.WebhookRejected)
		writeError(w, http.StatusBadRequest, "malformed webhook payload")
		return
	}

	statusCode := req.Event
	if statusCode == "" {
		statusCode = req.Payment.Status
	}

	outcome, err := h.orders.ApplyGatewayEvent(model.GatewayEvent{
		ExternalPaymentID:    req.Payment.ID,
		CorrelationReference: req.Payment.ExternalReference,
		GatewayStatus:        statusCode,
		ReceivedAt:           time.Now().UTC(),
	}, model.SourceWebhook)

	switch {
	case errors.Is(err, model.ErrMalformedEvent):
		h.recordAudit(body, req.Event, nil, model.WebhookRejected)
		writeError(w, http.StatusBadRequest, "event carries no correlation key")
		return
	case errors.Is(err, model.ErrOrderNotFound):
		// Most likely a data problem, not a transient one: reject so the
		// gateway stops retrying, and keep the audit row for follow-up.
		log.WithFields(log.Fields{
			"payment_id":         req.Payment.ID,
			"external_reference": req.Payment.ExternalReference,
			"event":              req.Event,
		}).Error("webhook could not be matched to an order")
		h.recordAudit(body, req.Event, nil, model.WebhookUnmatched)
		writeError(w, http.StatusBadRequest, "no order matches this event")
		return
	case err != nil:
		h.recordAudit(body, req.Event, nil, model.WebhookRejected)
		writeError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	auditOutcome := model.WebhookApplied
	if !outcome.Applied {
		auditOutcome = model.WebhookNoOp
	}
	h.recordAudit(body, req.Event, &outcome.Order.ID, auditOutcome)

	// Both applied and no-op answer 200: a replayed notification is not a
	// handler bug and must not feed the gateway's retry policy.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"applied": outcome.Applied,
		"reason":  outcome.NoOpReason,
	})
}

func (h *Handler) recordAudit(payload []byte, event string, orderID *uuid.UUID, outcome model.WebhookOutcome) {
	err := h.audit.Record(&model.WebhookLog{
		ID:        uuid.New(),
		Provider:  webhookProvider,
		Event:     event,
		Payload:   payload,
		OrderID:   orderID,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.WithError(err).Error("failed to record webhook audit log")
	}
}

func (h *Handler) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := r.URL.Query().Get("paymentId")
	orderParam := r.URL.Query().Get("pedidoId")
	if paymentID == "" || orderParam == "" {
		writeError(w, http.StatusBadRequest, "paymentId and pedidoId are required")
		return
	}
	orderID, err := uuid.Parse(orderParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "pedidoId must be a valid order id")
		return
	}

	state, err := h.orders.Reconcile(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  state,
	})
}

type createOrderItem struct {
	ProductID   string `json:"productId"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	PriceCents  int64  `json:"priceCents"`
}

type createOrderRequest struct {
	CustomerID     string                `json:"customerId"`
	Customer       model.CustomerProfile `json:"customer"`
	Items          []createOrderItem     `json:"items"`
	DeliveryMethod string                `json:"deliveryMethod"`
	PaymentMethod  string                `json:"paymentMethod"`
	ShippingCents  int64                 `json:"shippingCents"`
	CreditCard     *model.CreditCard     `json:"creditCard,omitempty"`
}

func (h *Handler) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "customerId must be a valid id")
		return
	}
	method := model.DeliveryMethod(req.DeliveryMethod)
	if method != model.DeliveryPickup && method != model.DeliveryShipping {
		writeError(w, http.StatusBadRequest, "deliveryMethod must be PICKUP or SHIPPING")
		return
	}
	payment := model.PaymentMethod(req.PaymentMethod)
	if payment != model.PaymentMethodPix && payment != model.PaymentMethodBoleto && payment != model.PaymentMethodCreditCard {
		writeError(w, http.StatusBadRequest, "paymentMethod must be PIX, BOLETO or CREDIT_CARD")
		return
	}

	items := make([]model.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		productID, parseErr := uuid.Parse(item.ProductID)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "items must carry a valid productId")
			return
		}
		items = append(items, model.OrderItem{
			ProductID:   productID,
			Description: item.Description,
			Quantity:    item.Quantity,
			PriceCents:  item.PriceCents,
		})
	}

	if payment == model.PaymentMethodCreditCard && req.CreditCard != nil && req.CreditCard.RemoteIP == "" {
		req.CreditCard.RemoteIP = clientIP(r)
	}

	result, err := h.orders.CreateOrder(r.Context(), service.CreateOrderInput{
		CustomerID:     customerID,
		Customer:       req.Customer,
		Items:          items,
		DeliveryMethod: method,
		PaymentMethod:  payment,
		ShippingCents:  req.ShippingCents,
		CreditCard:     req.CreditCard,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"success":       true,
		"orderId":       result.Order.ID,
		"orderNumber":   result.Order.Number,
		"paymentId":     result.Order.ExternalPaymentID,
		"paymentStatus": result.Order.PaymentState,
		"invoiceUrl":    result.InvoiceURL,
		"dueDate":       result.DueDate.Format("2006-01-02"),
		"totalCents":    result.Order.TotalCents,
	}
	if result.Pix != nil {
		resp["pix"] = map[string]interface{}{
			"encodedImage":   result.Pix.EncodedImage,
			"payload":        result.Pix.Payload,
			"expirationDate": result.Pix.ExpirationDate,
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) getOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	history, err := h.orders.History(orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"order":   orderView(order),
		"history": historyView(history),
	})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.orders.CancelOrder(r.Context(), orderID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type advanceFulfillmentRequest struct {
	Status  string `json:"status"`
	Note    string `json:"note"`
	ActorID string `json:"actorId"`
}

func (h *Handler) advanceFulfillmentHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromRequest(w, r)
	if !ok {
		return
	}
	var req advanceFulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	actorID, err := uuid.Parse(req.ActorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "actorId must be a valid id")
		return
	}

	if err := h.orders.AdvanceFulfillment(orderID, model.FulfillmentState(req.Status), req.Note, actorID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type simulatePaymentRequest struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
}

var simulatableStatuses = map[string]struct{}{
	"PAYMENT_CONFIRMED":        {},
	"PAYMENT_RECEIVED":         {},
	"PAYMENT_OVERDUE":          {},
	"PAYMENT_CANCELED":         {},
	"PAYMENT_DELETED":          {},
	"PAYMENT_REFUNDED":         {},
	"PAYMENT_REFUND_REQUESTED": {},
}

// simulatePaymentHandler injects a synthetic gateway event. The payload
// deliberately omits externalReference so the payment-id fallback resolution
// is exercised, and it flows through processGatewayPayload like any real
// notification.
func (h *Handler) simulatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req simulatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PaymentID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "paymentId and status are required")
		return
	}
	if _, ok := simulatableStatuses[req.Status]; !ok {
		writeError(w, http.StatusBadRequest, "status is not a simulatable gateway event")
		return
	}

	payload, err := json.Marshal(webhookRequest{
		Event: req.Status,
		Payment: &webhookPayment{
			ID:     req.PaymentID,
			Status: req.Status,
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build synthetic payload")
		return
	}
	h.processGatewayPayload(w, payload)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func orderIDFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(mux.Vars(r)["orderId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "orderId must be a valid id")
		return uuid.Nil, false
	}
	return orderID, true
}

func orderView(order *model.Order) map[string]interface{} {
	view := map[string]interface{}{
		"id":             order.ID,
		"number":         order.Number,
		"paymentState":   order.PaymentState,
		"deliveryMethod": order.DeliveryMethod,
		"paymentMethod":  order.PaymentMethod,
		"paymentId":      order.ExternalPaymentID,
		"paymentUrl":     order.PaymentURL,
		"totalCents":     order.TotalCents,
		"shippingCents":  order.ShippingCents,
		"createdAt":      order.CreatedAt,
		"updatedAt":      order.UpdatedAt,
	}
	if order.FulfillmentState != nil {
		view["fulfillmentState"] = *order.FulfillmentState
	}
	if order.DeliveredAt != nil {
		view["deliveredAt"] = *order.DeliveredAt
	}
	return view
}

func historyView(entries []*model.StatusHistoryEntry) []map[string]interface{} {
	views := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		view := map[string]interface{}{
			"newPaymentState": entry.NewPaymentState,
			"note":            entry.Note,
			"source":          entry.Source,
			"createdAt":       entry.CreatedAt,
		}
		if entry.PreviousPaymentState != nil {
			view["previousPaymentState"] = *entry.PreviousPaymentState
		}
		if entry.PreviousFulfillment != nil {
			view["previousFulfillment"] = *entry.PreviousFulfillment
		}
		if entry.NewFulfillment != nil {
			view["newFulfillment"] = *entry.NewFulfillment
		}
		views = append(views, view)
	}
	return views
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrOrderNotCancellable),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrFulfillmentSkip),
		errors.Is(err, model.ErrFulfillmentNotStarted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrOrderIsEmpty),
		errors.Is(err, model.ErrNegativePrice),
		errors.Is(err, model.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrGatewayFailure):
		writeError(w, http.StatusBadGateway, "payment gateway is unavailable")
	case errors.Is(err, model.ErrOptimisticLock):
		writeError(w, http.StatusConflict, "order was modified concurrently, retry")
	default:
		log.WithError(err).Error("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
