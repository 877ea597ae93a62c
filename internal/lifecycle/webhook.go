package lifecycle

import (
	"context"

	"github.com/jogardn/sticker-storefront/internal/payments"
	"github.com/jogardn/sticker-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

// HandlePaymentEvent applies a processor callback. A success goes through
// ConfirmCheckout for the owner named in the authorization, so the
// authorization is fetched and verified again rather than trusted from the
// callback. Orders already confirmed by the client are not an error.
func (c *Coordinator) HandlePaymentEvent(ctx context.Context, event models.PaymentEvent) error {
	fields := logrus.Fields{
		"event_id":         event.EventID,
		"event_type":       event.Type,
		"authorization_id": event.AuthorizationID,
	}

	switch event.Type {
	case payments.EventPaymentSucceeded:
		if event.OwnerID == "" || event.AuthorizationID == "" {
			c.logger.WithFields(fields).Warn("Payment event carries no owner, ignoring")
			return nil
		}

		updated, err := c.ConfirmCheckout(ctx, event.OwnerID, event.AuthorizationID)
		if KindOf(err) == KindNotFound {
			c.logger.WithFields(fields).Info("No draft orders left for payment, already confirmed")
			return nil
		}
		if err != nil {
			return err
		}

		c.logger.WithFields(fields).WithField("updated", updated).Info("Orders confirmed from payment event")
		return nil

	case payments.EventPaymentFailed:
		c.logger.WithFields(fields).WithField("owner_id", event.OwnerID).Warn("Payment failed, orders stay in draft")
		return nil

	default:
		c.logger.WithFields(fields).Debug("Ignoring payment event")
		return nil
	}
}

// IsRetryable reports whether a failed operation may succeed if repeated
// later without any change on the caller's side.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindPersistence, KindInternal:
		return err != nil
	default:
		return false
	}
}

// IsRetryable lets the Coordinator serve as the payment event consumer's
// handler.
func (c *Coordinator) IsRetryable(err error) bool {
	return IsRetryable(err)
}
