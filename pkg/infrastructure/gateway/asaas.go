// Package gateway implements the outbound client for the Asaas-compatible
// payment API. Only the status/charge surface the reconciliation core
// consumes is covered; ledger and settlement stay on the gateway's side.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/skalacodebr/carplus/pkg/domain/model"
)

const dateLayout = "2006-01-02"

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a gateway client whose calls are bounded by timeout.
// Exceeding it is a failure, not a retry.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type customerPayload struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone,omitempty"`
	CpfCnpj       string `json:"cpfCnpj"`
	PostalCode    string `json:"postalCode,omitempty"`
	Address       string `json:"address,omitempty"`
	AddressNumber string `json:"addressNumber,omitempty"`
	Complement    string `json:"complement,omitempty"`
	Province      string `json:"province,omitempty"`
	City          string `json:"city,omitempty"`
	State         string `json:"state,omitempty"`
}

type customerSearchResponse struct {
	Data []customerPayload `json:"data"`
}

type creditCardPayload struct {
	HolderName  string `json:"holderName"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CCV         string `json:"ccv"`
}

type holderInfoPayload struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	CpfCnpj       string `json:"cpfCnpj"`
	PostalCode    string `json:"postalCode"`
	AddressNumber string `json:"addressNumber"`
	Phone         string `json:"phone,omitempty"`
}

type paymentPayload struct {
	Customer          string             `json:"customer"`
	BillingType       string             `json:"billingType"`
	Value             float64            `json:"value"`
	DueDate           string             `json:"dueDate"`
	Description       string             `json:"description,omitempty"`
	ExternalReference string             `json:"externalReference,omitempty"`
	CreditCard        *creditCardPayload `json:"creditCard,omitempty"`
	HolderInfo        *holderInfoPayload `json:"creditCardHolderInfo,omitempty"`
	RemoteIP          string             `json:"remoteIp,omitempty"`
}

type paymentResponse struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	InvoiceURL string  `json:"invoiceUrl"`
	DueDate    string  `json:"dueDate"`
	Value      float64 `json:"value"`
}

type pixQrCodeResponse struct {
	EncodedImage   string `json:"encodedImage"`
	Payload        string `json:"payload"`
	ExpirationDate string `json:"expirationDate"`
}

// UpsertCustomer looks the payer up by CPF/CNPJ and creates or updates the
// gateway-side record, returning the gateway customer id.
func (c *Client) UpsertCustomer(ctx context.Context, profile model.CustomerProfile) (string, error) {
	var search customerSearchResponse
	endpoint := "/customers?cpfCnpj=" + url.QueryEscape(profile.CpfCnpj)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &search); err != nil {
		return "", err
	}

	payload := customerPayload{
		Name:          profile.Name,
		Email:         profile.Email,
		Phone:         profile.Phone,
		CpfCnpj:       profile.CpfCnpj,
		PostalCode:    profile.PostalCode,
		Address:       profile.Address,
		AddressNumber: profile.AddressNumber,
		Complement:    profile.Complement,
		Province:      profile.Province,
		City:          profile.City,
		State:         profile.State,
	}

	var saved customerPayload
	if len(search.Data) > 0 {
		existing := search.Data[0]
		if err := c.do(ctx, http.MethodPut, "/customers/"+existing.ID, payload, &saved); err != nil {
			return "", err
		}
		return saved.ID, nil
	}
	if err := c.do(ctx, http.MethodPost, "/customers", payload, &saved); err != nil {
		return "", err
	}
	return saved.ID, nil
}

func (c *Client) CreatePayment(ctx context.Context, req model.PaymentRequest) (*model.PaymentIntent, error) {
	payload := paymentPayload{
		Customer:          req.CustomerID,
		BillingType:       string(req.BillingType),
		Value:             float64(req.ValueCents) / 100,
		DueDate:           req.DueDate.Format(dateLayout),
		Description:       req.Description,
		ExternalReference: req.ExternalReference,
	}
	if req.CreditCard != nil {
		payload.CreditCard = &creditCardPayload{
			HolderName:  req.CreditCard.HolderName,
			Number:      req.CreditCard.Number,
			ExpiryMonth: req.CreditCard.ExpiryMonth,
			ExpiryYear:  req.CreditCard.ExpiryYear,
			CCV:         req.CreditCard.CCV,
		}
		payload.RemoteIP = req.CreditCard.RemoteIP
		if req.HolderInfo != nil {
			payload.HolderInfo = &holderInfoPayload{
				Name:          req.HolderInfo.Name,
				Email:         req.HolderInfo.Email,
				CpfCnpj:       req.HolderInfo.CpfCnpj,
				PostalCode:    req.HolderInfo.PostalCode,
				AddressNumber: req.HolderInfo.AddressNumber,
				Phone:         req.HolderInfo.Phone,
			}
		}
	}

	var resp paymentResponse
	if err := c.do(ctx, http.MethodPost, "/payments", payload, &resp); err != nil {
		return nil, err
	}

	intent := &model.PaymentIntent{
		ID:         resp.ID,
		Status:     resp.Status,
		InvoiceURL: resp.InvoiceURL,
	}
	if due, err := time.Parse(dateLayout, resp.DueDate); err == nil {
		intent.DueDate = due
	}
	return intent, nil
}

func (c *Client) GetPaymentStatus(ctx context.Context, externalPaymentID string) (string, error) {
	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(externalPaymentID), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) CancelPayment(ctx context.Context, externalPaymentID string) error {
	return c.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(externalPaymentID)+"/cancel", nil, nil)
}

func (c *Client) PixQrCode(ctx context.Context, externalPaymentID string) (*model.PixQrCode, error) {
	var resp pixQrCodeResponse
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(externalPaymentID)+"/pixQrCode", nil, &resp); err != nil {
		return nil, err
	}
	qr := &model.PixQrCode{
		EncodedImage: resp.EncodedImage,
		Payload:      resp.Payload,
	}
	if exp, err := time.Parse(time.RFC3339, resp.ExpirationDate); err == nil {
		qr.ExpirationDate = exp
	}
	return qr, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode gateway request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return errors.Wrap(err, "build gateway request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("access_token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(model.ErrGatewayFailure, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return errors.Wrap(model.ErrGatewayFailure,
			fmt.Sprintf("%s %s returned %d: %s", method, endpoint, resp.StatusCode, string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(model.ErrGatewayFailure, "decode gateway response: "+err.Error())
	}
	return nil
}
