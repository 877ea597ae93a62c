package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/sticker-storefront/internal/config"
	"github.com/jogardn/sticker-storefront/internal/events"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Read()
	logger := cfg.NewLogger()

	if !cfg.Kafka.Enabled() {
		logger.Fatal("KAFKA_BROKERS is required")
	}

	topics := events.Topics{
		Orders:     cfg.Kafka.OrderTopic,
		Payments:   cfg.Kafka.PaymentTopic,
		DeadLetter: cfg.Kafka.DLQTopic,
	}

	processor, err := events.NewDLQProcessor(cfg.Kafka.Brokers, topics, events.DLQOptions{
		GroupID:     cfg.Kafka.DLQGroup,
		Replay:      cfg.Kafka.DLQReplay,
		ReplayDelay: cfg.Kafka.DLQReplayWait,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ processor")
	}
	defer processor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := processor.ProcessDLQ(ctx); err != nil {
			logger.WithError(err).Error("DLQ processor stopped")
			cancel()
		}
	}()

	logger.WithFields(logrus.Fields{
		"topic":  cfg.Kafka.DLQTopic,
		"replay": cfg.Kafka.DLQReplay,
	}).Info("DLQ monitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down DLQ monitor...")
}
