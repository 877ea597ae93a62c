package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

var statusRank = map[Status]int{
	StatusDraft:      0,
	StatusPending:    1,
	StatusProcessing: 2,
	StatusCompleted:  3,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether next is strictly later in the lifecycle.
// Completed is terminal and nothing ever returns to draft.
func (s Status) CanAdvanceTo(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

type Size struct {
	ID        int             `json:"id"`
	Label     string          `json:"size"`
	UnitPrice decimal.Decimal `json:"price"`
}

type Order struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"user_id"`
	ImageURL         string          `json:"image_url"`
	Size             Size            `json:"size"`
	Quantity         int             `json:"quantity"`
	Total            decimal.Decimal `json:"total"`
	AuthorizationID  *string         `json:"authorization_id,omitempty"`
	PaymentConfirmed *bool           `json:"payment_confirmed,omitempty"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Recompute derives Total from the unit price and quantity.
func (o *Order) Recompute() {
	o.Total = LineTotal(o.Size.UnitPrice, o.Quantity)
}

func LineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
}

// MinorUnits converts a currency amount into its integer cents value.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}

type CreateOrderRequest struct {
	ImageURL string `json:"image_url"`
	SizeID   int    `json:"size_id"`
	Quantity int    `json:"quantity"`
}

// UpdateOrderRequest carries either owner-editable fields or an operator
// status change. Nil fields are left untouched.
type UpdateOrderRequest struct {
	ImageURL *string `json:"image_url,omitempty"`
	SizeID   *int    `json:"size_id,omitempty"`
	Quantity *int    `json:"quantity,omitempty"`
	Status   *Status `json:"status,omitempty"`
}

type CheckoutRequest struct {
	OrderIDs []string `json:"order_ids"`
}

type CheckoutResponse struct {
	AuthorizationID string          `json:"authorization_id"`
	ClientSecret    string          `json:"client_secret"`
	Amount          decimal.Decimal `json:"amount"`
	AmountMinor     int64           `json:"amount_minor"`
}

type ConfirmCheckoutRequest struct {
	AuthorizationID string `json:"authorization_id"`
}

type ConfirmCheckoutResponse struct {
	UpdatedCount int64 `json:"updated_count"`
}

type DeleteOrderResponse struct {
	Message      string `json:"message"`
	AssetDeleted bool   `json:"asset_deleted"`
}
