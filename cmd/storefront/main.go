package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/sticker-storefront/internal/api"
	"github.com/jogardn/sticker-storefront/internal/assets"
	"github.com/jogardn/sticker-storefront/internal/circuitbreaker"
	"github.com/jogardn/sticker-storefront/internal/config"
	"github.com/jogardn/sticker-storefront/internal/events"
	"github.com/jogardn/sticker-storefront/internal/identity"
	"github.com/jogardn/sticker-storefront/internal/lifecycle"
	"github.com/jogardn/sticker-storefront/internal/payments"
	"github.com/jogardn/sticker-storefront/internal/store"
	"github.com/jogardn/sticker-storefront/internal/websocket"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := cfg.NewLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := store.NewDB(cfg.DB.DSN(), cfg.DB.MaxConns, logger)
	defer db.Close()

	orderStore := store.NewPostgresStore(db, logger)
	if err := orderStore.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to create tables")
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		MaxRequests: cfg.Breaker.MaxRequests,
	}, logger)

	gateway := payments.NewGuarded(
		payments.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, cfg.Stripe.Currency, nil, logger),
		breakers,
	)

	cloudinaryStore, err := assets.NewCloudinaryStore(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey,
		cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure asset store")
	}
	assetStore := assets.NewGuarded(cloudinaryStore, breakers)

	verifier, err := identity.NewJWTVerifier(cfg.Auth.JWTPublicKeyPEM, cfg.Auth.OperatorIDs)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load session verification key")
	}

	var directory api.Directory
	if cfg.Auth.DirectoryKey != "" {
		var cache identity.Cache
		if cfg.Redis.Addr != "" {
			cache = identity.NewRedisCache(cfg.Redis.Addr, "storefront:username:")
		}
		directory = identity.NewDirectory(cfg.Auth.DirectoryURL, cfg.Auth.DirectoryKey, cache, cfg.Redis.CacheTTL, logger)
	}

	coordinator := lifecycle.NewCoordinator(orderStore, gateway, assetStore, logger)

	hub := websocket.NewHub(cfg.Server.AllowedOrigins, logger)
	go hub.Run(ctx)

	deps := api.Dependencies{
		Orders:    coordinator,
		Assets:    assetStore,
		Webhooks:  gateway,
		Directory: directory,
		Breakers:  breakers,
		DB:        db,
	}

	if cfg.Kafka.Enabled() {
		topics := events.Topics{
			Orders:     cfg.Kafka.OrderTopic,
			Payments:   cfg.Kafka.PaymentTopic,
			DeadLetter: cfg.Kafka.DLQTopic,
		}

		producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers, topics, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()

		coordinator.SetPublisher(events.Fanout{producer, hub})
		deps.Relay = producer

		consumer, err := events.NewPaymentConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, topics, coordinator, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()

		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.WithError(err).Error("Payment consumer stopped")
			}
		}()
	} else {
		coordinator.SetPublisher(hub)
		logger.Info("Kafka not configured, payment webhooks are applied inline")
	}

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := limiter.Sweep(); removed > 0 {
					logger.WithField("removed", removed).Debug("Swept idle rate limit entries")
				}
			}
		}
	}()

	router := api.NewRouter(api.NewHandler(deps, logger), api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Verifier:       verifier,
		Limiter:        limiter,
		Dashboard:      hub.HandleWebSocket,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":          cfg.Server.Port,
			"kafka_enabled": cfg.Kafka.Enabled(),
		}).Info("Starting storefront")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	cancel()

	logger.Info("Server gracefully stopped")
}
