package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalacodebr/carplus/pkg/domain/model"
)

func TestCreatePayment(t *testing.T) {
	var received paymentPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/payments", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("access_token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		_ = json.NewEncoder(w).Encode(paymentResponse{
			ID:         "pay_42",
			Status:     "PENDING",
			InvoiceURL: "https://gateway.example/i/pay_42",
			DueDate:    "2026-09-03",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)
	intent, err := client.CreatePayment(context.Background(), model.PaymentRequest{
		CustomerID:        "cus_1",
		BillingType:       model.PaymentMethodPix,
		ValueCents:        10500,
		DueDate:           time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC),
		ExternalReference: "PED-1712345678901-4821",
	})

	require.NoError(t, err)
	assert.Equal(t, "pay_42", intent.ID)
	assert.Equal(t, "https://gateway.example/i/pay_42", intent.InvoiceURL)
	assert.Equal(t, 2026, intent.DueDate.Year())

	assert.Equal(t, "PIX", received.BillingType)
	assert.Equal(t, 105.0, received.Value)
	assert.Equal(t, "PED-1712345678901-4821", received.ExternalReference)
	assert.Equal(t, "2026-09-03", received.DueDate)
}

func TestGetPaymentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payments/pay_42", r.URL.Path)
		_ = json.NewEncoder(w).Encode(paymentResponse{ID: "pay_42", Status: "CONFIRMED"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)
	status, err := client.GetPaymentStatus(context.Background(), "pay_42")

	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", status)
}

func TestNon2xxIsGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"errors":[{"code":"invalid_value"}]}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)
	_, err := client.GetPaymentStatus(context.Background(), "pay_42")

	assert.ErrorIs(t, err, model.ErrGatewayFailure)
}

func TestUpsertCustomer_UpdatesExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/customers":
			require.Equal(t, "12345678901", r.URL.Query().Get("cpfCnpj"))
			_ = json.NewEncoder(w).Encode(customerSearchResponse{Data: []customerPayload{{ID: "cus_9"}}})
		case r.Method == http.MethodPut && r.URL.Path == "/customers/cus_9":
			_ = json.NewEncoder(w).Encode(customerPayload{ID: "cus_9"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)
	id, err := client.UpsertCustomer(context.Background(), model.CustomerProfile{CpfCnpj: "12345678901", Name: "Maria Silva"})

	require.NoError(t, err)
	assert.Equal(t, "cus_9", id)
}

func TestCancelPayment(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/payments/pay_42/cancel", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)
	require.NoError(t, client.CancelPayment(context.Background(), "pay_42"))
	assert.True(t, called)
}
