// internal/events/publisher.go
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Publisher forwards raw provider notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.SugaredLogger
}

var _ Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, log *zap.SugaredLogger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, log: log}
}

// DialKafka builds a producer that waits for every in-sync replica.
func DialKafka(brokers []string, topic string, log *zap.SugaredLogger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "broadcast-mailer-webhooks"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaPublisher(producer, topic, log), nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: time.Now(),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.log.Errorw("kafka publish failed", "topic", p.topic, "key", key, "error", err)
		return err
	}
	p.log.Debugw("webhook forwarded", "topic", p.topic, "key", key, "partition", partition, "offset", offset)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NopPublisher drops everything. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, key string, payload []byte) error { return nil }
func (NopPublisher) Close() error                                                  { return nil }
