package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalacodebr/carplus/pkg/domain/model"
	"github.com/skalacodebr/carplus/pkg/domain/service"
)

// --- stubs ---

type stubOrderService struct {
	mu         sync.Mutex
	outcome    *service.ApplyOutcome
	applyErr   error
	lastEvent  model.GatewayEvent
	lastSource model.EventSource

	reconcileState model.PaymentState
	reconcileErr   error

	cancelErr  error
	advanceErr error

	order   *model.Order
	history []*model.StatusHistoryEntry
}

func (s *stubOrderService) CreateOrder(_ context.Context, _ service.CreateOrderInput) (*service.CreateOrderResult, error) {
	return &service.CreateOrderResult{Order: s.order, InvoiceURL: s.order.PaymentURL, DueDate: time.Now()}, nil
}

func (s *stubOrderService) CancelOrder(_ context.Context, _ uuid.UUID, _ string) error {
	return s.cancelErr
}

func (s *stubOrderService) AdvanceFulfillment(_ uuid.UUID, _ model.FulfillmentState, _ string, _ uuid.UUID) error {
	return s.advanceErr
}

func (s *stubOrderService) ApplyGatewayEvent(event model.GatewayEvent, source model.EventSource) (*service.ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEvent = event
	s.lastSource = source
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	return s.outcome, nil
}

func (s *stubOrderService) Reconcile(_ context.Context, _ uuid.UUID) (model.PaymentState, error) {
	return s.reconcileState, s.reconcileErr
}

func (s *stubOrderService) GetOrder(_ uuid.UUID) (*model.Order, error) {
	if s.order == nil {
		return nil, model.ErrOrderNotFound
	}
	return s.order, nil
}

func (s *stubOrderService) History(_ uuid.UUID) ([]*model.StatusHistoryEntry, error) {
	return s.history, nil
}

type stubAuditLog struct {
	mu      sync.Mutex
	entries []*model.WebhookLog
}

func (s *stubAuditLog) Record(entry *model.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubAuditLog) last(t *testing.T) *model.WebhookLog {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.entries)
	return s.entries[len(s.entries)-1]
}

func testOrder() *model.Order {
	return &model.Order{
		ID:                uuid.New(),
		Number:            "PED-1712345678901-4821",
		CustomerID:        uuid.New(),
		PaymentState:      model.PaymentPending,
		DeliveryMethod:    model.DeliveryPickup,
		PaymentMethod:     model.PaymentMethodPix,
		ExternalPaymentID: "pay_123",
		PaymentURL:        "https://gateway.example/i/pay_123",
		TotalCents:        10500,
		Version:           1,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
}

func setupRouter(t *testing.T, svc *stubOrderService, simulation bool) (http.Handler, *stubAuditLog) {
	t.Helper()
	audit := &stubAuditLog{}
	return Router(svc, audit, simulation), audit
}

func doRequest(router http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- webhook endpoint ---

func TestWebhook_AppliedReturns200(t *testing.T) {
	order := testOrder()
	svc := &stubOrderService{order: order, outcome: &service.ApplyOutcome{Order: order, Applied: true}}
	router, audit := setupRouter(t, svc, false)

	body := []byte(`{"event":"PAYMENT_RECEIVED","payment":{"id":"pay_123","status":"RECEIVED","externalReference":"PED-1712345678901-4821"}}`)
	w := doRequest(router, http.MethodPost, "/api/webhooks/asaas", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.SourceWebhook, svc.lastSource)
	assert.Equal(t, "PAYMENT_RECEIVED", svc.lastEvent.GatewayStatus)
	assert.Equal(t, "PED-1712345678901-4821", svc.lastEvent.CorrelationReference)

	entry := audit.last(t)
	assert.Equal(t, model.WebhookApplied, entry.Outcome)
	require.NotNil(t, entry.OrderID)
	assert.Equal(t, order.ID, *entry.OrderID)
}

func TestWebhook_NoOpStillReturns200(t *testing.T) {
	order := testOrder()
	order.PaymentState = model.PaymentPaid
	svc := &stubOrderService{order: order, outcome: &service.ApplyOutcome{Order: order, NoOpReason: "stale or duplicate"}}
	router, audit := setupRouter(t, svc, false)

	body := []byte(`{"event":"PAYMENT_RECEIVED","payment":{"id":"pay_123","status":"RECEIVED"}}`)
	w := doRequest(router, http.MethodPost, "/api/webhooks/asaas", body)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		Applied bool   `json:"applied"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.Applied)
	assert.Equal(t, "stale or duplicate", resp.Reason)

	assert.Equal(t, model.WebhookNoOp, audit.last(t).Outcome)
}

func TestWebhook_MalformedPayload(t *testing.T) {
	svc := &stubOrderService{}
	router, audit := setupRouter(t, svc, false)

	w := doRequest(router, http.MethodPost, "/api/webhooks/asaas", []byte(`{"event":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, model.WebhookRejected, audit.last(t).Outcome)

	// Valid JSON but no payment object.
	w = doRequest(router, http.MethodPost, "/api/webhooks/asaas", []byte(`{"event":"PAYMENT_RECEIVED"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, model.WebhookRejected, audit.last(t).Outcome)
}

func TestWebhook_UnmatchedOrderReturns400(t *testing.T) {
	svc := &stubOrderService{applyErr: model.ErrOrderNotFound}
	router, audit := setupRouter(t, svc, false)

	body := []byte(`{"event":"PAYMENT_RECEIVED","payment":{"id":"pay_unknown","status":"RECEIVED"}}`)
	w := doRequest(router, http.MethodPost, "/api/webhooks/asaas", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, model.WebhookUnmatched, audit.last(t).Outcome)
}

func TestWebhook_EventFallsBackToPaymentStatus(t *testing.T) {
	order := testOrder()
	svc := &stubOrderService{order: order, outcome: &service.ApplyOutcome{Order: order, Applied: true}}
	router, _ := setupRouter(t, svc, false)

	body := []byte(`{"payment":{"id":"pay_123","status":"CONFIRMED"}}`)
	w := doRequest(router, http.MethodPost, "/api/webhooks/asaas", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CONFIRMED", svc.lastEvent.GatewayStatus)
}

// --- simulation endpoint ---

func TestSimulatePayment_RoutesThroughWebhookPath(t *testing.T) {
	order := testOrder()
	svc := &stubOrderService{order: order, outcome: &service.ApplyOutcome{Order: order, Applied: true}}
	router, audit := setupRouter(t, svc, true)

	body := []byte(`{"paymentId":"pay_123","status":"PAYMENT_CONFIRMED"}`)
	w := doRequest(router, http.MethodPost, "/api/simulate-payment", body)

	assert.Equal(t, http.StatusOK, w.Code)
	// The synthetic payload omits the correlation reference on purpose.
	assert.Equal(t, "", svc.lastEvent.CorrelationReference)
	assert.Equal(t, "pay_123", svc.lastEvent.ExternalPaymentID)
	assert.Equal(t, model.SourceWebhook, svc.lastSource)
	assert.Equal(t, model.WebhookApplied, audit.last(t).Outcome)
}

func TestSimulatePayment_InvalidStatusRejected(t *testing.T) {
	svc := &stubOrderService{}
	router, _ := setupRouter(t, svc, true)

	body := []byte(`{"paymentId":"pay_123","status":"NOT_A_REAL_EVENT"}`)
	w := doRequest(router, http.MethodPost, "/api/simulate-payment", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSimulatePayment_DisabledByDefault(t *testing.T) {
	svc := &stubOrderService{}
	router, _ := setupRouter(t, svc, false)

	body := []byte(`{"paymentId":"pay_123","status":"PAYMENT_CONFIRMED"}`)
	w := doRequest(router, http.MethodPost, "/api/simulate-payment", body)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- reconciliation endpoint ---

func TestReconcileEndpoint(t *testing.T) {
	svc := &stubOrderService{reconcileState: model.PaymentPaid}
	router, _ := setupRouter(t, svc, false)

	orderID := uuid.New()
	w := doRequest(router, http.MethodGet, "/api/payment/status?paymentId=pay_123&pedidoId="+orderID.String(), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool   `json:"success"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "PAID", resp.Status)
}

func TestReconcileEndpoint_MissingParams(t *testing.T) {
	svc := &stubOrderService{}
	router, _ := setupRouter(t, svc, false)

	w := doRequest(router, http.MethodGet, "/api/payment/status?paymentId=pay_123", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/api/payment/status?pedidoId="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconcileEndpoint_GatewayDown(t *testing.T) {
	svc := &stubOrderService{reconcileErr: model.ErrGatewayFailure}
	router, _ := setupRouter(t, svc, false)

	w := doRequest(router, http.MethodGet, "/api/payment/status?paymentId=pay_123&pedidoId="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

// --- order endpoints ---

func TestCreateOrderEndpoint(t *testing.T) {
	order := testOrder()
	svc := &stubOrderService{order: order}
	router, _ := setupRouter(t, svc, false)

	body, _ := json.Marshal(createOrderRequest{
		CustomerID:     uuid.NewString(),
		Customer:       model.CustomerProfile{Name: "Maria Silva", CpfCnpj: "12345678901"},
		Items:          []createOrderItem{{ProductID: uuid.NewString(), Quantity: 2, PriceCents: 4500}},
		DeliveryMethod: "PICKUP",
		PaymentMethod:  "PIX",
	})
	w := doRequest(router, http.MethodPost, "/api/orders", body)

	assert.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, order.Number, resp["orderNumber"])
	assert.Equal(t, "pay_123", resp["paymentId"])
}

func TestCreateOrderEndpoint_Validation(t *testing.T) {
	svc := &stubOrderService{order: testOrder()}
	router, _ := setupRouter(t, svc, false)

	tests := []struct {
		name string
		body createOrderRequest
	}{
		{"bad customer id", createOrderRequest{CustomerID: "nope", DeliveryMethod: "PICKUP", PaymentMethod: "PIX"}},
		{"bad delivery method", createOrderRequest{CustomerID: uuid.NewString(), DeliveryMethod: "DRONE", PaymentMethod: "PIX"}},
		{"bad payment method", createOrderRequest{CustomerID: uuid.NewString(), DeliveryMethod: "PICKUP", PaymentMethod: "CASH"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			w := doRequest(router, http.MethodPost, "/api/orders", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCancelOrderEndpoint_PaidConflict(t *testing.T) {
	svc := &stubOrderService{cancelErr: model.ErrOrderNotCancellable}
	router, _ := setupRouter(t, svc, false)

	w := doRequest(router, http.MethodPost, "/api/orders/"+uuid.NewString()+"/cancel", []byte(`{"reason":"late"}`))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdvanceFulfillmentEndpoint_SkipConflict(t *testing.T) {
	svc := &stubOrderService{advanceErr: model.ErrFulfillmentSkip}
	router, _ := setupRouter(t, svc, false)

	body := []byte(`{"status":"READY_FOR_PICKUP","actorId":"` + uuid.NewString() + `"}`)
	w := doRequest(router, http.MethodPost, "/api/orders/"+uuid.NewString()+"/fulfillment", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetOrderEndpoint(t *testing.T) {
	order := testOrder()
	previous := model.PaymentPending
	svc := &stubOrderService{
		order: order,
		history: []*model.StatusHistoryEntry{
			{OrderID: order.ID, NewPaymentState: model.PaymentPending, Source: model.SourceSystem, Note: "order created, awaiting payment"},
			{OrderID: order.ID, PreviousPaymentState: &previous, NewPaymentState: model.PaymentPaid, Source: model.SourceWebhook},
		},
	}
	router, _ := setupRouter(t, svc, false)

	w := doRequest(router, http.MethodGet, "/api/orders/"+order.ID.String(), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool                     `json:"success"`
		Order   map[string]interface{}   `json:"order"`
		History []map[string]interface{} `json:"history"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, order.Number, resp.Order["number"])
	assert.Len(t, resp.History, 2)
}
