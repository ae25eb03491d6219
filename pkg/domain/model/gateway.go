package model

import "time"

// CustomerProfile is the payload sent to the gateway when creating or
// updating the payer record.
type CustomerProfile struct {
	Name          string
	Email         string
	Phone         string
	CpfCnpj       string
	PostalCode    string
	Address       string
	AddressNumber string
	Complement    string
	Province      string
	City          string
	State         string
}

type CreditCard struct {
	HolderName  string
	Number      string
	ExpiryMonth string
	ExpiryYear  string
	CCV         string
	RemoteIP    string
}

// PaymentRequest describes the charge the gateway is asked to create.
// ExternalReference carries the order number so asynchronous notifications
// can be correlated back to the order.
type PaymentRequest struct {
	CustomerID        string
	BillingType       PaymentMethod
	ValueCents        int64
	DueDate           time.Time
	Description       string
	ExternalReference string
	CreditCard        *CreditCard
	HolderInfo        *CustomerProfile
}

// PaymentIntent is the gateway's answer to a successful charge creation.
type PaymentIntent struct {
	ID         string
	Status     string
	InvoiceURL string
	DueDate    time.Time
}

type PixQrCode struct {
	EncodedImage   string
	Payload        string
	ExpirationDate time.Time
}
