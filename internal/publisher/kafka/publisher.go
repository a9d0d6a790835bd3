// Package kafka implements a Kafka publisher on segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// MessageWriter abstracts kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// keyed payloads choose their own partition key.
type keyed interface {
	Key() string
}

// Publisher writes JSON payloads as Kafka messages.
type Publisher struct {
	writer       MessageWriter
	defaultTopic string
	now          func() time.Time
}

// NewWriter builds a kafka.Writer for brokers. The topic is taken from each
// message, so one writer serves every topic.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}
}

// New creates a Publisher. Publish calls with an empty topic use defaultTopic.
func New(writer MessageWriter, defaultTopic string) *Publisher {
	return &Publisher{writer: writer, defaultTopic: defaultTopic, now: time.Now}
}

// Publish marshals the payload and writes it synchronously. The returned ID
// is generated locally and carried in the message-id header.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.writer == nil {
		return "", fmt.Errorf("kafka writer is not configured")
	}
	msg, id, err := p.message(topic, payload)
	if err != nil {
		return "", err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return id, nil
}

func (p *Publisher) message(topic string, payload any) (kafka.Message, string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return kafka.Message{}, "", fmt.Errorf("kafka topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, "", fmt.Errorf("marshal payload: %w", err)
	}
	id := uuid.NewString()
	msg := kafka.Message{
		Topic:   topic,
		Value:   data,
		Time:    p.now().UTC(),
		Headers: []kafka.Header{{Key: "message-id", Value: []byte(id)}},
	}
	if k, ok := payload.(keyed); ok {
		msg.Key = []byte(k.Key())
	}
	return msg, id, nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
