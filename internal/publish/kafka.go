package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"modbus-tagpoller/internal/config"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka produces one message per event, keyed by tag name so a tag's
// history stays on one partition.
type Kafka struct {
	w messageWriter
}

func NewKafka(cfg config.KafkaConfig) *Kafka {
	return &Kafka{w: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Publish(ctx context.Context, e Event) error {
	msg, err := kafkaMessage(e)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, msg)
}

func (k *Kafka) Close() error { return k.w.Close() }

func kafkaMessage(e Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Tag),
		Value: value,
		Time:  e.Timestamp,
	}, nil
}
