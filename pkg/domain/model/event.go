package model

import "github.com/google/uuid"

type OrderCreated struct {
	OrderID    uuid.UUID
	Number     string
	CustomerID uuid.UUID
	TotalCents int64
}

func (e OrderCreated) Type() string { return "OrderCreated" }

type PaymentStateChanged struct {
	OrderID  uuid.UUID
	Number   string
	Previous PaymentState
	New      PaymentState
	Source   EventSource
}

func (e PaymentStateChanged) Type() string { return "PaymentStateChanged" }

type FulfillmentInitialized struct {
	OrderID uuid.UUID
	Number  string
	State   FulfillmentState
}

func (e FulfillmentInitialized) Type() string { return "FulfillmentInitialized" }

type FulfillmentAdvanced struct {
	OrderID  uuid.UUID
	Number   string
	Previous FulfillmentState
	New      FulfillmentState
}

func (e FulfillmentAdvanced) Type() string { return "FulfillmentAdvanced" }

type OrderCancelled struct {
	OrderID uuid.UUID
	Number  string
	Reason  string
}

func (e OrderCancelled) Type() string { return "OrderCancelled" }
