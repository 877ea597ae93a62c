package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/sticker-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

type RetryablePaymentHandler interface {
	HandlePaymentEvent(ctx context.Context, event models.PaymentEvent) error
	IsRetryable(err error) bool
}

type PaymentConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       *paymentClaimHandler
	logger        *logrus.Logger
	topics        []string
}

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed_count"`
	RetryCount     int64 `json:"retry_count"`
	DLQCount       int64 `json:"dlq_count"`
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`
}

type consumerCounters struct {
	processed, retries, dlq, success, failure atomic.Int64
}

func (c *consumerCounters) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: c.processed.Load(),
		RetryCount:     c.retries.Load(),
		DLQCount:       c.dlq.Load(),
		SuccessCount:   c.success.Load(),
		FailureCount:   c.failure.Load(),
	}
}

type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// paymentClaimHandler is the sarama.ConsumerGroupHandler behind
// PaymentConsumer.
type paymentClaimHandler struct {
	handler    RetryablePaymentHandler
	producer   sarama.SyncProducer
	dlqTopic   string
	logger     *logrus.Logger
	metrics    *consumerCounters
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
}

func NewPaymentConsumer(brokers []string, groupID string, topics Topics, handler RetryablePaymentHandler, logger *logrus.Logger) (*PaymentConsumer, error) {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, newConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &PaymentConsumer{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       newPaymentClaimHandler(handler, producer, topics.DeadLetter, logger),
		logger:        logger,
		topics:        []string{topics.Payments},
	}, nil
}

func newPaymentClaimHandler(handler RetryablePaymentHandler, producer sarama.SyncProducer, dlqTopic string, logger *logrus.Logger) *paymentClaimHandler {
	return &paymentClaimHandler{
		handler:    handler,
		producer:   producer,
		dlqTopic:   dlqTopic,
		logger:     logger,
		metrics:    &consumerCounters{},
		maxRetries: MaxRetries,
		baseDelay:  InitialRetryDelay,
		maxDelay:   MaxRetryDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *PaymentConsumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *PaymentConsumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (c *PaymentConsumer) Metrics() ConsumerMetrics {
	return c.handler.metrics.snapshot()
}

func (h *paymentClaimHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *paymentClaimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *paymentClaimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			if !h.process(session.Context(), message) {
				if session.Context().Err() != nil {
					return nil
				}
				// Ending the claim keeps the offset uncommitted so the event is
				// delivered again once the session restarts.
				return fmt.Errorf("payment event at %s/%d offset %d left unacknowledged",
					message.Topic, message.Partition, message.Offset)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

// process handles one message and parks it on the DLQ when it cannot be
// handled, so a poison message never blocks the partition. It reports
// whether the message may be marked consumed: false when shutdown cut the
// retries short or the DLQ could not take it.
func (h *paymentClaimHandler) process(ctx context.Context, message *sarama.ConsumerMessage) bool {
	h.metrics.processed.Add(1)

	err := h.handleWithRetry(ctx, message)
	if err == nil {
		h.metrics.success.Add(1)
		return true
	}
	if ctx.Err() != nil {
		h.logger.WithError(err).WithField("offset", message.Offset).Warn("Shutdown interrupted payment event, leaving it for redelivery")
		return false
	}
	h.logger.WithError(err).Error("Failed to process message after retries")
	h.metrics.failure.Add(1)

	if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
		h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		return false
	}
	h.metrics.dlq.Add(1)
	return true
}

func (h *paymentClaimHandler) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	h.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	}).Info("Processing payment event")

	var event models.PaymentEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal payment event: %w", err)
	}

	delay := h.baseDelay
	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"authorization_id": event.AuthorizationID,
				"attempt":          attempt,
				"delay":            delay,
			}).Info("Retrying payment event")

			if err := sleepContext(ctx, delay); err != nil {
				return fmt.Errorf("retry of %s aborted: %w", event.EventID, err)
			}
			h.metrics.retries.Add(1)

			delay *= 2
			if delay > h.maxDelay {
				delay = h.maxDelay
			}
		}

		lastErr = h.handler.HandlePaymentEvent(ctx, event)
		if lastErr == nil {
			return nil
		}
		if !h.handler.IsRetryable(lastErr) {
			h.logger.WithError(lastErr).Error("Non-retryable error encountered")
			return lastErr
		}
		h.logger.WithError(lastErr).WithField("attempt", attempt+1).Warn("Retryable error processing payment event")
	}

	return fmt.Errorf("exhausted retries for payment event %s: %w", event.EventID, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func extractMetadata(message *sarama.ConsumerMessage) MessageMetadata {
	metadata := MessageMetadata{OriginalTopic: message.Topic}

	for _, header := range message.Headers {
		switch string(header.Key) {
		case "metadata":
			var stored MessageMetadata
			if err := json.Unmarshal(header.Value, &stored); err == nil {
				stored.OriginalTopic = firstNonEmpty(stored.OriginalTopic, message.Topic)
				metadata = stored
			}
		case "retry_count":
			if count, err := strconv.Atoi(string(header.Value)); err == nil && count > metadata.RetryCount {
				metadata.RetryCount = count
			}
		}
	}
	return metadata
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (h *paymentClaimHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	previous := extractMetadata(message)
	now := h.now()

	metadata := MessageMetadata{
		RetryCount:    previous.RetryCount + 1,
		FirstFailure:  previous.FirstFailure,
		LastFailure:   now,
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}
	if metadata.FirstFailure.IsZero() {
		metadata.FirstFailure = now
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: h.dlqTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("failure_time"), Value: []byte(now.Format(time.RFC3339))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     h.dlqTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"retry_count":   metadata.RetryCount,
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")

	return nil
}
