package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jogardn/sticker-storefront/internal/identity"
	"github.com/sirupsen/logrus"
)

type RouterOptions struct {
	AllowedOrigins []string
	Verifier       identity.Verifier
	Limiter        *RateLimiter
	// Dashboard serves the operator event stream. Optional.
	Dashboard http.HandlerFunc
}

func NewRouter(handler *Handler, opts RouterOptions, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware(opts.AllowedOrigins))

	router.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	router.HandleFunc("/webhooks/payments", handler.PaymentWebhook).Methods("POST")

	authed := router.PathPrefix("/").Subrouter()
	authed.Use(authMiddleware(opts.Verifier, logger))
	if opts.Limiter != nil {
		authed.Use(opts.Limiter.Middleware)
	}

	authed.HandleFunc("/uploads", handler.UploadImage).Methods("POST", "OPTIONS")
	authed.HandleFunc("/orders", handler.CreateOrder).Methods("POST", "OPTIONS")
	authed.HandleFunc("/orders", handler.ListOrders).Methods("GET", "OPTIONS")
	authed.HandleFunc("/orders/{id}", handler.GetOrder).Methods("GET", "OPTIONS")
	authed.HandleFunc("/orders/{id}", handler.UpdateOrder).Methods("PATCH", "OPTIONS")
	authed.HandleFunc("/orders/{id}", handler.DeleteOrder).Methods("DELETE", "OPTIONS")
	authed.HandleFunc("/checkout", handler.Checkout).Methods("POST", "OPTIONS")
	authed.HandleFunc("/checkout/confirm", handler.ConfirmCheckout).Methods("POST", "OPTIONS")

	admin := authed.PathPrefix("/admin").Subrouter()
	admin.Use(operatorOnly)
	admin.HandleFunc("/usernames", handler.Usernames).Methods("POST", "OPTIONS")
	admin.HandleFunc("/breakers", handler.Breakers).Methods("GET", "OPTIONS")
	admin.HandleFunc("/breakers/{name}/reset", handler.ResetBreaker).Methods("POST", "OPTIONS")

	if opts.Dashboard != nil {
		authed.Handle("/ws/orders", operatorOnly(opts.Dashboard)).Methods("GET")
	}

	return router
}
