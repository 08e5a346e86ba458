package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
)

// KafkaConfig конфигурация для Kafka publisher'а
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Compression  string // none, gzip, snappy, lz4, zstd
	RequiredAcks int    // 0, 1, -1 (all)
	BatchTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	if c.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "potter-events",
		Compression:  "snappy",
		RequiredAcks: -1,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaPublisher публикует события в один топик.
// Ключ сообщения равен aggregate id, поэтому события агрегата попадают в одну партицию по порядку.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher создает writer; соединения открываются при первой записи
func NewKafkaPublisher(config KafkaConfig) (*KafkaPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Topic:                  config.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequiredAcks(config.RequiredAcks),
			BatchTimeout:           config.BatchTimeout,
			Compression:            compression(config.Compression),
			AllowAutoTopicCreation: true,
		},
	}, nil
}

func compression(name string) kafka.Compression {
	switch name {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (p *KafkaPublisher) Kind() string {
	return "kafka"
}

func (p *KafkaPublisher) Publish(ctx context.Context, event eventsourcing.StoredEvent) error {
	msg, err := kafkaMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to kafka: %w", err)
	}
	return nil
}

func kafkaMessage(event eventsourcing.StoredEvent) (kafka.Message, error) {
	data, err := encode(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode event: %w", err)
	}
	hdrs := headers(event)
	msg := kafka.Message{
		Key:     []byte(event.AggregateID),
		Value:   data,
		Time:    event.OccurredAt,
		Headers: make([]kafka.Header, 0, len(hdrs)),
	}
	for k, v := range hdrs {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
