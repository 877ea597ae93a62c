package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// MaxReplays caps how often one payment event cycles through the DLQ.
const MaxReplays = MaxRetries * 2

type DLQProcessor struct {
	consumer    sarama.ConsumerGroup
	producer    sarama.SyncProducer
	logger      *logrus.Logger
	dlqTopic    string
	replayTopic string
	replayDelay time.Duration
	replay      bool
	now         func() time.Time
}

// DLQOptions controls the processor. With Replay false it only reports.
type DLQOptions struct {
	GroupID     string
	Replay      bool
	ReplayDelay time.Duration
}

func NewDLQProcessor(brokers []string, topics Topics, opts DLQOptions, logger *logrus.Logger) (*DLQProcessor, error) {
	consumer, err := sarama.NewConsumerGroup(brokers, opts.GroupID, newConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	p := newDLQProcessor(producer, topics, opts, logger)
	p.consumer = consumer
	return p, nil
}

func newDLQProcessor(producer sarama.SyncProducer, topics Topics, opts DLQOptions, logger *logrus.Logger) *DLQProcessor {
	return &DLQProcessor{
		producer:    producer,
		logger:      logger,
		dlqTopic:    topics.DeadLetter,
		replayTopic: topics.Payments,
		replayDelay: opts.ReplayDelay,
		replay:      opts.Replay,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (p *DLQProcessor) ProcessDLQ(ctx context.Context) error {
	handler := &dlqConsumerHandler{processor: p, logger: p.logger}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("DLQ processor context cancelled")
			return nil
		default:
			if err := p.consumer.Consume(ctx, []string{p.dlqTopic}, handler); err != nil {
				p.logger.WithError(err).Error("Error consuming from DLQ")
				return err
			}
		}
	}
}

// ReplayMessage puts a dead-lettered payment event back on the payment
// topic unless it has already been replayed MaxReplays times.
func (p *DLQProcessor) ReplayMessage(message *sarama.ConsumerMessage) error {
	metadata := extractMetadata(message)

	if metadata.RetryCount >= MaxReplays {
		p.logger.WithFields(logrus.Fields{
			"authorization_id": string(message.Key),
			"retry_count":      metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return fmt.Errorf("exceeded maximum replay attempts (%d)", metadata.RetryCount)
	}

	replayMessage := &sarama.ProducerMessage{
		Topic: p.replayTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("retry_count"), Value: []byte(strconv.Itoa(metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(p.now().Format(time.RFC3339))},
		},
	}

	partition, offset, err := p.producer.SendMessage(replayMessage)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"replay_topic":     p.replayTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"authorization_id": string(message.Key),
	}).Info("Message replayed from DLQ")

	return nil
}

func (p *DLQProcessor) Close() error {
	if err := p.producer.Close(); err != nil {
		p.logger.WithError(err).Error("Failed to close producer")
	}
	if p.consumer == nil {
		return nil
	}
	return p.consumer.Close()
}

type dlqConsumerHandler struct {
	processor *DLQProcessor
	logger    *logrus.Logger
}

func (h *dlqConsumerHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session setup")
	return nil
}

func (h *dlqConsumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (h *dlqConsumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			if err := h.handle(session.Context(), message); err != nil {
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handle reports a dead-lettered message and optionally replays it. It
// only fails when the session ends during the replay delay, leaving the
// message unmarked for the next session.
func (h *dlqConsumerHandler) handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	metadata := extractMetadata(message)

	h.logger.WithFields(logrus.Fields{
		"topic":            message.Topic,
		"partition":        message.Partition,
		"offset":           message.Offset,
		"authorization_id": string(message.Key),
		"original_topic":   metadata.OriginalTopic,
		"retry_count":      metadata.RetryCount,
		"first_failure":    metadata.FirstFailure,
		"last_failure":     metadata.LastFailure,
		"error_message":    metadata.ErrorMessage,
	}).Warn("DLQ message detected")

	if !h.processor.replay {
		return nil
	}

	if err := sleepContext(ctx, h.processor.replayDelay); err != nil {
		return err
	}
	if err := h.processor.ReplayMessage(message); err != nil {
		h.logger.WithError(err).Error("Failed to replay DLQ message")
	}
	return nil
}
