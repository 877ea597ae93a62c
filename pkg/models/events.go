package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderEventType string

const (
	OrderCreated         OrderEventType = "order.created"
	OrderUpdated         OrderEventType = "order.updated"
	OrderCheckoutStarted OrderEventType = "order.checkout_started"
	OrderConfirmed       OrderEventType = "order.confirmed"
	OrderStatusChanged   OrderEventType = "order.status_changed"
	OrderDeleted         OrderEventType = "order.deleted"
)

// OrderEvent describes a lifecycle change to one order or to the batch of
// orders sharing an authorization.
type OrderEvent struct {
	Type            OrderEventType   `json:"type"`
	OrderIDs        []string         `json:"order_ids,omitempty"`
	OwnerID         string           `json:"owner_id"`
	AuthorizationID string           `json:"authorization_id,omitempty"`
	Status          Status           `json:"status,omitempty"`
	Total           *decimal.Decimal `json:"total,omitempty"`
	Count           int64            `json:"count,omitempty"`
	EventTime       time.Time        `json:"event_time"`
}

// PaymentEvent relays a verified payment processor callback.
type PaymentEvent struct {
	EventID         string    `json:"event_id"`
	Type            string    `json:"type"`
	AuthorizationID string    `json:"authorization_id"`
	OwnerID         string    `json:"owner_id"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	ReceivedAt      time.Time `json:"received_at"`
}
