// Package lifecycle owns the order lifecycle: drafts, checkout against the
// payment processor, verified confirmation, operator status changes and
// deletion with artwork cleanup.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/sticker-storefront/internal/assets"
	"github.com/jogardn/sticker-storefront/internal/identity"
	"github.com/jogardn/sticker-storefront/internal/payments"
	"github.com/jogardn/sticker-storefront/internal/store"
	"github.com/jogardn/sticker-storefront/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// OrderStore is the persistence the Coordinator needs. Every state change is
// a conditional update matched on owner and current status.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	List(ctx context.Context, filter store.Filter) ([]*models.Order, error)
	FindByIDs(ctx context.Context, ids []string) ([]*models.Order, error)
	UpdateDraft(ctx context.Context, order *models.Order) error
	AttachAuthorization(ctx context.Context, owner string, ids []string, authID string) error
	ConfirmAuthorization(ctx context.Context, owner, authID string, amountMinor int64, status models.Status) (int64, error)
	TransitionStatus(ctx context.Context, id string, from, to models.Status) error
	Delete(ctx context.Context, id, owner string) error
}

type Publisher interface {
	Publish(ctx context.Context, event models.OrderEvent) error
}

// ConfirmedStatus is where a verified checkout moves its orders.
const ConfirmedStatus = models.StatusProcessing

type Coordinator struct {
	store     OrderStore
	gateway   payments.Gateway
	assets    assets.Store
	publisher Publisher
	logger    *logrus.Logger
	now       func() time.Time
	newID     func() string
}

func NewCoordinator(orderStore OrderStore, gateway payments.Gateway, assetStore assets.Store, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:   orderStore,
		gateway: gateway,
		assets:  assetStore,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
}

// SetPublisher attaches the sink for order events. Publication is optional.
func (c *Coordinator) SetPublisher(p Publisher) {
	c.publisher = p
}

func (c *Coordinator) CreateDraft(ctx context.Context, owner string, req models.CreateOrderRequest) (*models.Order, error) {
	const op = "create_draft"
	if owner == "" {
		return nil, unauthorized(op)
	}
	if req.Quantity < 1 || req.Quantity > models.MaxQuantity {
		return nil, invalidInput(op, "quantity must be between 1 and %d", models.MaxQuantity)
	}
	size, ok := models.LookupSize(req.SizeID)
	if !ok {
		return nil, invalidInput(op, "unknown size %d", req.SizeID)
	}
	imageURL := strings.TrimSpace(req.ImageURL)
	if imageURL == "" {
		return nil, invalidInput(op, "image_url is required")
	}

	now := c.now()
	order := &models.Order{
		ID:        c.newID(),
		OwnerID:   owner,
		ImageURL:  imageURL,
		Size:      size,
		Quantity:  req.Quantity,
		Status:    models.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	order.Recompute()

	if err := c.store.Create(ctx, order); err != nil {
		return nil, c.storeFailure(op, err, logrus.Fields{"owner_id": owner})
	}

	c.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"owner_id": owner,
		"size":     size.Label,
		"quantity": order.Quantity,
		"total":    order.Total.StringFixed(2),
	}).Info("Draft order created")

	c.publish(ctx, models.OrderEvent{
		Type:     models.OrderCreated,
		OrderIDs: []string{order.ID},
		OwnerID:  owner,
		Status:   order.Status,
		Total:    &order.Total,
	})
	return order, nil
}

// ListOrders returns the caller's orders, or every order for an operator,
// newest first.
func (c *Coordinator) ListOrders(ctx context.Context, principal identity.Principal, status models.Status) ([]*models.Order, error) {
	const op = "list_orders"
	if principal.UserID == "" {
		return nil, unauthorized(op)
	}
	if status != "" && !status.Valid() {
		return nil, invalidInput(op, "unknown status %q", status)
	}

	filter := store.Filter{Status: status}
	if !principal.Operator {
		filter.OwnerID = principal.UserID
	}

	orders, err := c.store.List(ctx, filter)
	if err != nil {
		return nil, c.storeFailure(op, err, logrus.Fields{"owner_id": principal.UserID})
	}
	return orders, nil
}

func (c *Coordinator) GetOrder(ctx context.Context, principal identity.Principal, id string) (*models.Order, error) {
	const op = "get_order"
	if principal.UserID == "" {
		return nil, unauthorized(op)
	}

	order, err := c.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !principal.Operator && order.OwnerID != principal.UserID {
		return nil, notFound(op, "order not found")
	}
	return order, nil
}

// UpdateDraft applies owner edits to a draft order and recomputes its total.
// An edited order leaves any checkout it was part of; that checkout's
// authorization is cancelled so it can no longer be paid.
func (c *Coordinator) UpdateDraft(ctx context.Context, owner, id string, patch models.UpdateOrderRequest) (*models.Order, error) {
	const op = "update_draft"
	if owner == "" {
		return nil, unauthorized(op)
	}
	if patch.Status != nil {
		return nil, invalidInput(op, "status cannot be changed together with order fields")
	}
	if patch.ImageURL == nil && patch.SizeID == nil && patch.Quantity == nil {
		return nil, invalidInput(op, "nothing to update")
	}
	if patch.Quantity != nil && (*patch.Quantity < 1 || *patch.Quantity > models.MaxQuantity) {
		return nil, invalidInput(op, "quantity must be between 1 and %d", models.MaxQuantity)
	}
	var size models.Size
	if patch.SizeID != nil {
		var ok bool
		if size, ok = models.LookupSize(*patch.SizeID); !ok {
			return nil, invalidInput(op, "unknown size %d", *patch.SizeID)
		}
	}
	if patch.ImageURL != nil && strings.TrimSpace(*patch.ImageURL) == "" {
		return nil, invalidInput(op, "image_url cannot be empty")
	}

	order, err := c.loadOwned(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	if order.Status != models.StatusDraft {
		return nil, invalidInput(op, "only draft orders can be edited")
	}
	if order.AuthorizationID != nil {
		if err := c.withdrawAuthorization(ctx, op, *order.AuthorizationID); err != nil {
			return nil, err
		}
	}

	if patch.ImageURL != nil {
		order.ImageURL = strings.TrimSpace(*patch.ImageURL)
	}
	if patch.SizeID != nil {
		order.Size = size
	}
	if patch.Quantity != nil {
		order.Quantity = *patch.Quantity
	}
	order.Recompute()

	if err := c.store.UpdateDraft(ctx, order); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalidInput(op, "order is no longer editable")
		}
		return nil, c.storeFailure(op, err, logrus.Fields{"order_id": id})
	}

	c.publish(ctx, models.OrderEvent{
		Type:     models.OrderUpdated,
		OrderIDs: []string{order.ID},
		OwnerID:  owner,
		Status:   order.Status,
		Total:    &order.Total,
	})
	return order, nil
}

// InitiateCheckout requests one payment authorization for the summed total
// of a batch of the owner's draft orders and links it to every order in the
// batch. Order status is left untouched.
func (c *Coordinator) InitiateCheckout(ctx context.Context, owner string, ids []string) (*models.CheckoutResponse, error) {
	const op = "initiate_checkout"
	if owner == "" {
		return nil, unauthorized(op)
	}
	if len(ids) == 0 {
		return nil, invalidInput(op, "order_ids must not be empty")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return nil, invalidInput(op, "malformed order id %q", id)
		}
		if seen[id] {
			return nil, invalidInput(op, "order %s appears more than once", id)
		}
		seen[id] = true
	}

	orders, err := c.store.FindByIDs(ctx, ids)
	if err != nil {
		return nil, c.storeFailure(op, err, logrus.Fields{"owner_id": owner})
	}
	if len(orders) != len(ids) {
		return nil, notFound(op, "one or more orders were not found")
	}
	// Ownership is checked across the whole batch before status so a foreign
	// order is indistinguishable from a missing one.
	for _, order := range orders {
		if order.OwnerID != owner {
			c.logger.WithFields(logrus.Fields{
				"operation": op,
				"owner_id":  owner,
				"order_id":  order.ID,
			}).Warn("Checkout batch references another user's order")
			return nil, notFound(op, "one or more orders were not found")
		}
	}

	total := decimal.Zero
	for _, order := range orders {
		if order.Status != models.StatusDraft {
			return nil, invalidInput(op, "order %s is not a draft", order.ID)
		}
		total = total.Add(order.Total)
	}
	if !total.IsPositive() {
		return nil, invalidInput(op, "checkout total must be greater than zero")
	}
	amount := models.MinorUnits(total)
	if amount > payments.MaxAmountMinor {
		return nil, invalidInput(op, "checkout total exceeds the maximum charge")
	}

	existing, err := c.settlePriorAuthorizations(ctx, op, owner, orders, amount)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		c.logger.WithFields(logrus.Fields{
			"owner_id":         owner,
			"authorization_id": existing.ID,
			"order_count":      len(ids),
			"amount":           amount,
		}).Info("Checkout resumed with existing authorization")

		return &models.CheckoutResponse{
			AuthorizationID: existing.ID,
			ClientSecret:    existing.ClientSecret,
			Amount:          total,
			AmountMinor:     amount,
		}, nil
	}

	auth, err := c.gateway.CreateAuthorization(ctx, payments.CreateRequest{
		AmountMinor:    amount,
		Metadata:       map[string]string{payments.MetadataOwnerKey: owner},
		IdempotencyKey: checkoutKey(owner, orders, amount),
	})
	if err != nil {
		return nil, c.upstreamFailure(op, "payment authorization could not be created", err, logrus.Fields{
			"owner_id": owner,
			"amount":   amount,
		})
	}

	if err := c.store.AttachAuthorization(ctx, owner, ids, auth.ID); err != nil {
		c.releaseAuthorization(auth.ID)
		if errors.Is(err, store.ErrConflict) {
			return nil, invalidInput(op, "orders changed during checkout, please review your cart")
		}
		return nil, c.storeFailure(op, err, logrus.Fields{"owner_id": owner, "authorization_id": auth.ID})
	}

	c.logger.WithFields(logrus.Fields{
		"owner_id":         owner,
		"authorization_id": auth.ID,
		"order_count":      len(ids),
		"amount":           amount,
	}).Info("Checkout initiated")

	c.publish(ctx, models.OrderEvent{
		Type:            models.OrderCheckoutStarted,
		OrderIDs:        ids,
		OwnerID:         owner,
		AuthorizationID: auth.ID,
		Status:          models.StatusDraft,
		Total:           &total,
	})

	return &models.CheckoutResponse{
		AuthorizationID: auth.ID,
		ClientSecret:    auth.ClientSecret,
		Amount:          total,
		AmountMinor:     amount,
	}, nil
}

// settlePriorAuthorizations deals with authorizations the batch is already
// linked to. A payable authorization that covers exactly this batch for the
// same amount is returned for reuse. Any other payable one is cancelled so
// that paying it cannot confirm part of the batch.
func (c *Coordinator) settlePriorAuthorizations(ctx context.Context, op, owner string, orders []*models.Order, amount int64) (*payments.Authorization, error) {
	var (
		authIDs []string
		linked  = make(map[string]int)
	)
	for _, order := range orders {
		if order.AuthorizationID == nil {
			continue
		}
		authID := *order.AuthorizationID
		if _, ok := linked[authID]; !ok {
			authIDs = append(authIDs, authID)
		}
		linked[authID]++
	}

	var reusable *payments.Authorization
	for _, authID := range authIDs {
		prior, err := c.inspectAuthorization(ctx, op, authID)
		if err != nil {
			return nil, err
		}
		if prior == nil {
			continue
		}
		if prior.Amount == amount && linked[authID] == len(orders) && prior.OwnerID() == owner {
			covered, err := c.store.List(ctx, store.Filter{OwnerID: owner, AuthorizationID: authID})
			if err != nil {
				return nil, c.storeFailure(op, err, logrus.Fields{"owner_id": owner, "authorization_id": authID})
			}
			if len(covered) == len(orders) {
				reusable = prior
				continue
			}
		}
		if err := c.cancelAuthorization(ctx, op, authID); err != nil {
			return nil, err
		}
	}
	return reusable, nil
}

// withdrawAuthorization takes a single order out of its checkout before an
// edit. A payable authorization is cancelled.
func (c *Coordinator) withdrawAuthorization(ctx context.Context, op, authID string) error {
	prior, err := c.inspectAuthorization(ctx, op, authID)
	if err != nil {
		return err
	}
	if prior == nil {
		return nil
	}
	return c.cancelAuthorization(ctx, op, authID)
}

// inspectAuthorization fetches an authorization orders are linked to. It
// returns nil when nothing can be paid on it any more, and an InvalidInput
// error when it was paid or is being paid; those orders must be confirmed
// instead.
func (c *Coordinator) inspectAuthorization(ctx context.Context, op, authID string) (*payments.Authorization, error) {
	prior, err := c.gateway.RetrieveAuthorization(ctx, authID)
	if errors.Is(err, payments.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, c.upstreamFailure(op, "payment status could not be verified", err, logrus.Fields{
			"authorization_id": authID,
		})
	}

	switch {
	case prior.Status == payments.StatusSucceeded:
		return nil, invalidInput(op, "a completed payment for these orders is awaiting confirmation")
	case prior.Status == payments.StatusProcessing:
		return nil, invalidInput(op, "a payment for these orders is being processed")
	case !prior.Status.Payable():
		return nil, nil
	}
	return &prior, nil
}

func (c *Coordinator) cancelAuthorization(ctx context.Context, op, authID string) error {
	if err := c.gateway.CancelAuthorization(ctx, authID); err != nil {
		return c.upstreamFailure(op, "earlier payment authorization could not be cancelled", err, logrus.Fields{
			"authorization_id": authID,
		})
	}
	c.logger.WithFields(logrus.Fields{
		"operation":        op,
		"authorization_id": authID,
	}).Info("Cancelled superseded payment authorization")
	return nil
}

func (c *Coordinator) releaseAuthorization(authID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.gateway.CancelAuthorization(ctx, authID); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"authorization_id": authID,
			"error_code":       payments.ErrorCode(err),
		}).Warn("Failed to cancel unused payment authorization")
	}
}

// ConfirmCheckout moves the owner's draft orders linked to authID to the
// confirmed status after the processor reports the authorization succeeded
// for this owner and for exactly their summed total. A zero count comes back
// with a NotFound error.
func (c *Coordinator) ConfirmCheckout(ctx context.Context, owner, authID string) (int64, error) {
	const op = "confirm_checkout"
	if owner == "" {
		return 0, unauthorized(op)
	}
	authID = strings.TrimSpace(authID)
	if authID == "" {
		return 0, invalidInput(op, "authorization_id is required")
	}

	auth, err := c.gateway.RetrieveAuthorization(ctx, authID)
	if errors.Is(err, payments.ErrNotFound) {
		return 0, notFound(op, "payment not found")
	}
	if err != nil {
		return 0, c.upstreamFailure(op, "payment status could not be verified", err, logrus.Fields{
			"owner_id":         owner,
			"authorization_id": authID,
		})
	}

	if auth.OwnerID() != owner {
		c.logger.WithFields(logrus.Fields{
			"operation":        op,
			"owner_id":         owner,
			"authorization_id": authID,
		}).Warn("Confirmation attempted for another user's payment")
		return 0, notFound(op, "payment not found")
	}
	if auth.Status != payments.StatusSucceeded {
		return 0, invalidInput(op, "payment has not succeeded (status %s)", auth.Status)
	}

	updated, err := c.store.ConfirmAuthorization(ctx, owner, auth.ID, auth.Amount, ConfirmedStatus)
	if errors.Is(err, store.ErrAmountMismatch) {
		c.logger.WithFields(logrus.Fields{
			"operation":        op,
			"owner_id":         owner,
			"authorization_id": authID,
			"authorized":       auth.Amount,
		}).Error("Paid amount does not match the orders awaiting confirmation")
		return 0, invalidInput(op, "paid amount does not match the orders awaiting this payment")
	}
	if err != nil {
		return 0, c.storeFailure(op, err, logrus.Fields{"owner_id": owner, "authorization_id": authID})
	}
	if updated == 0 {
		return 0, notFound(op, "no draft orders are awaiting this payment")
	}

	c.logger.WithFields(logrus.Fields{
		"owner_id":         owner,
		"authorization_id": authID,
		"updated":          updated,
	}).Info("Checkout confirmed")

	c.publish(ctx, models.OrderEvent{
		Type:            models.OrderConfirmed,
		OwnerID:         owner,
		AuthorizationID: authID,
		Status:          ConfirmedStatus,
		Count:           updated,
	})
	return updated, nil
}

// UpdateStatus is the operator transition. Draft orders only leave draft
// through a verified checkout.
func (c *Coordinator) UpdateStatus(ctx context.Context, principal identity.Principal, id string, status models.Status) (*models.Order, error) {
	const op = "update_status"
	if principal.UserID == "" {
		return nil, unauthorized(op)
	}
	if !principal.Operator {
		return nil, forbidden(op)
	}
	if !status.Valid() {
		return nil, invalidInput(op, "unknown status %q", status)
	}

	order, err := c.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if order.Status == models.StatusDraft {
		return nil, invalidInput(op, "draft orders can only leave draft through checkout")
	}
	if !order.Status.CanAdvanceTo(status) {
		return nil, invalidInput(op, "cannot move order from %s to %s", order.Status, status)
	}

	from := order.Status
	if err := c.store.TransitionStatus(ctx, order.ID, from, status); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, invalidInput(op, "order status changed concurrently")
		}
		return nil, c.storeFailure(op, err, logrus.Fields{"order_id": id})
	}
	order.Status = status
	order.UpdatedAt = c.now()

	c.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"operator_id": principal.UserID,
		"from":        from,
		"to":          status,
	}).Info("Order status updated")

	c.publish(ctx, models.OrderEvent{
		Type:     models.OrderStatusChanged,
		OrderIDs: []string{order.ID},
		OwnerID:  order.OwnerID,
		Status:   status,
	})
	return order, nil
}

// DeleteDraft removes one of the owner's orders. The artwork is deleted
// first on a best-effort basis; the result reports whether that worked.
func (c *Coordinator) DeleteDraft(ctx context.Context, owner, id string) (bool, error) {
	const op = "delete_draft"
	if owner == "" {
		return false, unauthorized(op)
	}

	order, err := c.loadOwned(ctx, op, owner, id)
	if err != nil {
		return false, err
	}

	assetDeleted, err := c.assets.Delete(ctx, order.ImageURL)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"order_id":  order.ID,
			"image_url": order.ImageURL,
		}).Warn("Asset deletion failed, removing order anyway")
		assetDeleted = false
	}

	if err := c.store.Delete(ctx, order.ID, owner); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return assetDeleted, notFound(op, "order not found")
		}
		return assetDeleted, c.storeFailure(op, err, logrus.Fields{"order_id": id})
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":      order.ID,
		"owner_id":      owner,
		"asset_deleted": assetDeleted,
	}).Info("Order deleted")

	c.publish(ctx, models.OrderEvent{
		Type:     models.OrderDeleted,
		OrderIDs: []string{order.ID},
		OwnerID:  owner,
		Status:   order.Status,
	})
	return assetDeleted, nil
}

func (c *Coordinator) load(ctx context.Context, op, id string) (*models.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(op, "order not found")
	}
	order, err := c.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(op, "order not found")
	}
	if err != nil {
		return nil, c.storeFailure(op, err, logrus.Fields{"order_id": id})
	}
	return order, nil
}

func (c *Coordinator) loadOwned(ctx context.Context, op, owner, id string) (*models.Order, error) {
	order, err := c.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != owner {
		return nil, notFound(op, "order not found")
	}
	return order, nil
}

func (c *Coordinator) storeFailure(op string, err error, fields logrus.Fields) *Error {
	c.logger.WithError(err).WithFields(fields).WithField("operation", op).Error("Order store operation failed")
	return persistence(op, err)
}

func (c *Coordinator) upstreamFailure(op, message string, err error, fields logrus.Fields) *Error {
	c.logger.WithError(err).WithFields(fields).WithFields(logrus.Fields{
		"operation":  op,
		"error_code": payments.ErrorCode(err),
	}).Error("Payment processor call failed")
	return upstream(op, message, err)
}

func (c *Coordinator) publish(ctx context.Context, event models.OrderEvent) {
	if c.publisher == nil {
		return
	}
	event.EventTime = c.now()
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.WithError(err).WithField("event_type", event.Type).Error("Failed to publish order event")
	}
}

// checkoutKey makes repeated checkout requests for the same batch and
// amount reuse one processor authorization. Order versions are part of the
// key so a batch edited since an earlier checkout gets a fresh one.
func checkoutKey(owner string, orders []*models.Order, amount int64) string {
	versions := make([]string, 0, len(orders))
	for _, order := range orders {
		versions = append(versions, order.ID+"@"+strconv.FormatInt(order.UpdatedAt.UnixNano(), 10))
	}
	sort.Strings(versions)

	h := sha256.New()
	h.Write([]byte(owner))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(versions, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(amount, 10)))
	return "checkout-" + hex.EncodeToString(h.Sum(nil))
}
