package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/sticker-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

type Topics struct {
	Orders     string
	Payments   string
	DeadLetter string
}

func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

func newConsumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0
	return config
}

// KafkaProducer publishes order lifecycle events and relays payment
// callbacks.
type KafkaProducer struct {
	producer sarama.SyncProducer
	topics   Topics
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers []string, topics Topics, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return newKafkaProducer(producer, topics, logger), nil
}

func newKafkaProducer(producer sarama.SyncProducer, topics Topics, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{producer: producer, topics: topics, logger: logger}
}

// Publish sends an order event keyed by owner so one user's events stay
// ordered on a partition.
func (p *KafkaProducer) Publish(ctx context.Context, event models.OrderEvent) error {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	return p.send(p.topics.Orders, event.OwnerID, event, logrus.Fields{
		"event_type": event.Type,
		"owner_id":   event.OwnerID,
	})
}

// PublishPayment relays a verified payment callback keyed by authorization.
func (p *KafkaProducer) PublishPayment(ctx context.Context, event models.PaymentEvent) error {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	return p.send(p.topics.Payments, event.AuthorizationID, event, logrus.Fields{
		"event_id":         event.EventID,
		"event_type":       event.Type,
		"authorization_id": event.AuthorizationID,
	})
}

func (p *KafkaProducer) send(topic, key string, payload interface{}, fields logrus.Fields) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(fields).WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
	}).Info("Event published to Kafka")
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}

type Publisher interface {
	Publish(ctx context.Context, event models.OrderEvent) error
}

// Fanout delivers every order event to each publisher and reports all
// failures together.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event models.OrderEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
