package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

type StripeGateway struct {
	api           *client.API
	currency      string
	webhookSecret string
	logger        *logrus.Logger
}

// NewStripeGateway builds a gateway over the Stripe API. backends may be nil
// to use Stripe's default endpoints.
func NewStripeGateway(secretKey, webhookSecret, currency string, backends *stripe.Backends, logger *logrus.Logger) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, backends)

	return &StripeGateway{
		api:           api,
		currency:      currency,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

func (g *StripeGateway) CreateAuthorization(ctx context.Context, req CreateRequest) (Authorization, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(g.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return Authorization{}, translate("create", err)
	}

	g.logger.WithFields(logrus.Fields{
		"authorization_id": pi.ID,
		"amount":           pi.Amount,
		"currency":         pi.Currency,
	}).Info("Payment intent created")

	return toAuthorization(pi), nil
}

func (g *StripeGateway) RetrieveAuthorization(ctx context.Context, id string) (Authorization, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return Authorization{}, translate("retrieve", err)
	}
	return toAuthorization(pi), nil
}

func (g *StripeGateway) CancelAuthorization(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := g.api.PaymentIntents.Cancel(id, params); err != nil {
		return translate("cancel", err)
	}
	return nil
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (Notification, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	notification := Notification{EventID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return notification, nil
	}

	switch notification.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return Notification{}, fmt.Errorf("failed to decode payment intent from event %s: %w", event.ID, err)
		}
		notification.Authorization = toAuthorization(&pi)
	}
	return notification, nil
}

func toAuthorization(pi *stripe.PaymentIntent) Authorization {
	metadata := make(map[string]string, len(pi.Metadata))
	for k, v := range pi.Metadata {
		metadata[k] = v
	}

	return Authorization{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       mapStatus(pi),
		Metadata:     metadata,
	}
}

func mapStatus(pi *stripe.PaymentIntent) AuthorizationStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusCanceled
	case stripe.PaymentIntentStatusRequiresAction:
		return StatusRequiresAction
	case stripe.PaymentIntentStatusProcessing:
		return StatusProcessing
	case stripe.PaymentIntentStatusRequiresConfirmation:
		return StatusRequiresConfirmation
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return StatusFailed
		}
		return StatusRequiresPayment
	default:
		return AuthorizationStatus(pi.Status)
	}
}

func translate(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &Error{Op: op, Err: err}
	}

	perr := &Error{
		Op:         op,
		Code:       string(stripeErr.Code),
		Type:       string(stripeErr.Type),
		HTTPStatus: stripeErr.HTTPStatusCode,
		Err:        err,
	}
	if stripeErr.Code == stripe.ErrorCodeResourceMissing {
		perr.Err = fmt.Errorf("%w: %s", ErrNotFound, stripeErr.Msg)
	}
	return perr
}
