// Package ingest carries accepted location updates from the API process to
// the durable geo index through Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LocationProducer is the durable-tier writer used when Kafka is
// configured: the consumer process applies the messages to Redis.
type LocationProducer struct {
	writer messageWriter
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &LocationProducer{writer: w}
}

// WriteLocation publishes msg keyed by actor id.
func (k *LocationProducer) WriteLocation(ctx context.Context, msg models.LocationMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.ActorID), Value: b}); err != nil {
		return fmt.Errorf("publish location %s: %w", msg.ActorID, err)
	}
	return nil
}

func (k *LocationProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses a message produced by WriteLocation.
func Decode(value []byte) (models.LocationMessage, error) {
	var msg models.LocationMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return msg, err
	}
	if msg.ActorID == "" {
		return msg, fmt.Errorf("location message without actor id")
	}
	return msg, nil
}
