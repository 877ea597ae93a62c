// Package payments talks to the payment processor: it creates and retrieves
// payment authorizations and verifies processor callbacks.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jogardn/sticker-storefront/pkg/models"
)

// MetadataOwnerKey tags an authorization with the user that started checkout.
const MetadataOwnerKey = "userId"

type AuthorizationStatus string

const (
	StatusSucceeded            AuthorizationStatus = "succeeded"
	StatusFailed               AuthorizationStatus = "failed"
	StatusRequiresAction       AuthorizationStatus = "requires_action"
	StatusRequiresPayment      AuthorizationStatus = "requires_payment_method"
	StatusRequiresConfirmation AuthorizationStatus = "requires_confirmation"
	StatusProcessing           AuthorizationStatus = "processing"
	StatusCanceled             AuthorizationStatus = "canceled"
)

// MaxAmountMinor is the largest charge the processor accepts, in minor units.
const MaxAmountMinor int64 = 99999999

// Payable reports whether a client holding the authorization's secret could
// still complete the payment.
func (s AuthorizationStatus) Payable() bool {
	switch s {
	case StatusRequiresPayment, StatusRequiresConfirmation, StatusRequiresAction, StatusFailed:
		return true
	default:
		return false
	}
}

type Authorization struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       AuthorizationStatus
	Metadata     map[string]string
}

func (a Authorization) OwnerID() string {
	return a.Metadata[MetadataOwnerKey]
}

type CreateRequest struct {
	AmountMinor    int64
	Metadata       map[string]string
	IdempotencyKey string
}

// Notification is a verified processor callback about an authorization.
type Notification struct {
	EventID       string
	Type          string
	Authorization Authorization
}

type Gateway interface {
	CreateAuthorization(ctx context.Context, req CreateRequest) (Authorization, error)
	RetrieveAuthorization(ctx context.Context, id string) (Authorization, error)
	CancelAuthorization(ctx context.Context, id string) error
	ParseWebhook(payload []byte, signature string) (Notification, error)
}

var (
	ErrNotFound         = errors.New("payment authorization not found")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Error carries the processor's classification of a failed call. Its text
// is for logs only.
type Error struct {
	Op         string
	Code       string
	Type       string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("payments %s failed (code=%s, type=%s, status=%d): %v", e.Op, e.Code, e.Type, e.HTTPStatus, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUpstreamFailure reports whether err says the processor is unhealthy, as
// opposed to rejecting this particular request.
func IsUpstreamFailure(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidSignature) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) && pe.HTTPStatus >= 400 && pe.HTTPStatus < 500 && pe.HTTPStatus != http.StatusTooManyRequests {
		return false
	}
	return true
}

// ErrorCode extracts the processor error code for logging.
func ErrorCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Event converts a verified callback into the relay message handed to the
// order lifecycle.
func (n Notification) Event(receivedAt time.Time) models.PaymentEvent {
	return models.PaymentEvent{
		EventID:         n.EventID,
		Type:            n.Type,
		AuthorizationID: n.Authorization.ID,
		OwnerID:         n.Authorization.OwnerID(),
		Status:          string(n.Authorization.Status),
		Amount:          n.Authorization.Amount,
		ReceivedAt:      receivedAt,
	}
}
