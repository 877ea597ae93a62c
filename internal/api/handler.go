// Package api exposes the order lifecycle over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/sticker-storefront/internal/assets"
	"github.com/jogardn/sticker-storefront/internal/circuitbreaker"
	"github.com/jogardn/sticker-storefront/internal/identity"
	"github.com/jogardn/sticker-storefront/internal/lifecycle"
	"github.com/jogardn/sticker-storefront/internal/payments"
	"github.com/jogardn/sticker-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	maxJSONBody    = 1 << 20
	maxWebhookBody = 64 << 10
	maxUsernameIDs = 100
)

// Orders is the lifecycle surface the handlers drive.
type Orders interface {
	CreateDraft(ctx context.Context, owner string, req models.CreateOrderRequest) (*models.Order, error)
	ListOrders(ctx context.Context, principal identity.Principal, status models.Status) ([]*models.Order, error)
	GetOrder(ctx context.Context, principal identity.Principal, id string) (*models.Order, error)
	UpdateDraft(ctx context.Context, owner, id string, patch models.UpdateOrderRequest) (*models.Order, error)
	UpdateStatus(ctx context.Context, principal identity.Principal, id string, status models.Status) (*models.Order, error)
	DeleteDraft(ctx context.Context, owner, id string) (bool, error)
	InitiateCheckout(ctx context.Context, owner string, ids []string) (*models.CheckoutResponse, error)
	ConfirmCheckout(ctx context.Context, owner, authID string) (int64, error)
	HandlePaymentEvent(ctx context.Context, event models.PaymentEvent) error
}

type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (payments.Notification, error)
}

// PaymentRelay queues verified payment callbacks for asynchronous handling.
type PaymentRelay interface {
	PublishPayment(ctx context.Context, event models.PaymentEvent) error
}

type Directory interface {
	DisplayNames(ctx context.Context, userIDs []string) map[string]string
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the handler. Relay, Directory, Breakers and DB are
// optional.
type Dependencies struct {
	Orders    Orders
	Assets    assets.Store
	Webhooks  WebhookParser
	Relay     PaymentRelay
	Directory Directory
	Breakers  *circuitbreaker.Manager
	DB        Pinger
}

type Handler struct {
	deps   Dependencies
	logger *logrus.Logger
	now    func() time.Time
}

func NewHandler(deps Dependencies, logger *logrus.Logger) *Handler {
	return &Handler{
		deps:   deps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.Ping(ctx); err != nil {
			h.logger.WithError(err).Warn("Health check database ping failed")
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "storefront",
				"error":   "database connection failed",
			})
			return
		}
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "storefront",
	})
}

// UploadImage stores the multipart "file" field and returns its URL.
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, assets.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(assets.MaxUploadBytes); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	sniff := make([]byte, 512)
	n, err := io.ReadFull(file, sniff)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Invalid upload")
		return
	}
	sniff = sniff[:n]

	if err := assets.ValidateUpload(http.DetectContentType(sniff), header.Size); err != nil {
		respondWithError(w, http.StatusBadRequest, uploadMessage(err))
		return
	}

	url, err := h.deps.Assets.Store(r.Context(), path.Base(header.Filename), io.MultiReader(bytes.NewReader(sniff), file))
	if err != nil {
		h.logger.WithError(err).WithField("filename", header.Filename).Error("Failed to store upload")
		respondWithError(w, http.StatusBadGateway, "Failed to upload image")
		return
	}

	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"url":     url,
	})
}

func uploadMessage(err error) string {
	switch {
	case errors.Is(err, assets.ErrTooLarge):
		return "File size must be less than 10MB"
	case errors.Is(err, assets.ErrEmpty):
		return "File is empty"
	default:
		return "Please upload an image file (JPEG, PNG, GIF or WebP)"
	}
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var req models.CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.deps.Orders.CreateDraft(r.Context(), principal.UserID, req)
	if err != nil {
		h.respondWithLifecycleError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Message: "Order created successfully",
		Order:   order,
	})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	status := models.Status(r.URL.Query().Get("status"))

	orders, err := h.deps.Orders.ListOrders(r.Context(), principal, status)
	if err != nil {
		h.respondWithLifecycleError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  orders,
		"count":   len(orders),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.deps.Orders.GetOrder(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithLifecycleError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Order: order})
}

// UpdateOrder routes a status change to the operator transition and any
// other patch to the owner's draft edit.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	id := mux.Vars(r)["id"]

	var patch models.UpdateOrderRequest
	if !h.decode(w, r, &patch) {
		return
	}

	var (
		order *models.Order
		err   error
	)
	if patch.Status != nil && patch.ImageURL == nil && patch.SizeID == nil && patch.Quantity == nil {
		order, err = h.deps.Orders.UpdateStatus(r.Context(), principal, id, *patch.Status)
	} else {
		order, err = h.deps.Orders.UpdateDraft(r.Context(), principal.UserID, id, patch)
	}
	if err != nil {
		h.respondWithLifecycleError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Order updated successfully",
		Order:   order,
	})
}

func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	assetDeleted, err := h.deps.Orders.DeleteDraft(r.Context(), principal.UserID, mux.Vars(r)["id"])
	if err != nil {
		h.respondWithLifecycleError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, models.DeleteOrderResponse{
		Message:      "Order deleted successfully",
		AssetDeleted: assetDeleted,
	})
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var req models.CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.deps.Orders.InitiateCheckout(r.Context(), principal.UserID, req.OrderIDs)
	if err != nil {
		h.respondWithLifecycleError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var req models.ConfirmCheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	updated, err := h.deps.Orders.ConfirmCheckout(r.Context(), principal.UserID, req.AuthorizationID)
	if lifecycle.KindOf(err) == lifecycle.KindNotFound {
		respondWithJSON(w, http.StatusNotFound, map[string]interface{}{
			"success":       false,
			"message":       err.Error(),
			"updated_count": 0,
		})
		return
	}
	if err != nil {
		h.respondWithLifecycleError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, models.ConfirmCheckoutResponse{UpdatedCount: updated})
}

// PaymentWebhook verifies a processor callback and either queues it or
// applies it immediately when no queue is configured.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	notification, err := h.deps.Webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.WithError(err).Warn("Rejected payment webhook")
		respondWithError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	event := notification.Event(h.now())
	fields := logrus.Fields{
		"event_id":         event.EventID,
		"event_type":       event.Type,
		"authorization_id": event.AuthorizationID,
	}

	if h.deps.Relay != nil {
		if err := h.deps.Relay.PublishPayment(r.Context(), event); err != nil {
			h.logger.WithError(err).WithFields(fields).Error("Failed to queue payment event")
			respondWithError(w, http.StatusServiceUnavailable, "Event could not be queued")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := h.deps.Orders.HandlePaymentEvent(r.Context(), event); err != nil {
		h.logger.WithError(err).WithFields(fields).Error("Failed to apply payment event")
		if lifecycle.IsRetryable(err) {
			// A 5xx makes the processor redeliver the callback later.
			respondWithError(w, http.StatusServiceUnavailable, "Event could not be processed")
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) Usernames(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserIDs []string `json:"user_ids"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.UserIDs) == 0 {
		respondWithError(w, http.StatusBadRequest, "user_ids must be a non-empty list")
		return
	}
	if len(req.UserIDs) > maxUsernameIDs {
		respondWithError(w, http.StatusBadRequest, "too many user_ids")
		return
	}
	if h.deps.Directory == nil {
		respondWithError(w, http.StatusServiceUnavailable, "User directory not configured")
		return
	}

	respondWithJSON(w, http.StatusOK, h.deps.Directory.DisplayNames(r.Context(), req.UserIDs))
}

func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	if h.deps.Breakers == nil {
		respondWithJSON(w, http.StatusOK, []circuitbreaker.Snapshot{})
		return
	}
	respondWithJSON(w, http.StatusOK, h.deps.Breakers.Snapshots())
}

func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if h.deps.Breakers == nil || !h.deps.Breakers.Reset(name) {
		respondWithError(w, http.StatusNotFound, "Unknown circuit breaker")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"breaker":     name,
		"operator_id": principalFrom(r).UserID,
	}).Warn("Circuit breaker reset by operator")
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "breaker": name})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.logger.WithError(err).WithField("path", r.URL.Path).Debug("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *Handler) respondWithLifecycleError(w http.ResponseWriter, err error) {
	kind := lifecycle.KindOf(err)
	message := err.Error()
	if kind == lifecycle.KindInternal {
		h.logger.WithError(err).Error("Unclassified error reached the HTTP boundary")
		message = "internal error"
	}
	respondWithError(w, statusForKind(kind), message)
}

func statusForKind(kind lifecycle.Kind) int {
	switch kind {
	case lifecycle.KindUnauthorized:
		return http.StatusUnauthorized
	case lifecycle.KindForbidden:
		return http.StatusForbidden
	case lifecycle.KindInvalidInput:
		return http.StatusBadRequest
	case lifecycle.KindNotFound:
		return http.StatusNotFound
	case lifecycle.KindUpstream:
		return http.StatusBadGateway
	case lifecycle.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func principalFrom(r *http.Request) identity.Principal {
	principal, _ := identity.PrincipalFrom(r.Context())
	return principal
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
