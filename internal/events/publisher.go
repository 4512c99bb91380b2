// Package events carries committed ride status transitions to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/chair-dispatch/internal/models"
)

const DefaultTopic = "ride-status"

// publishBatchTimeout bounds how long a synchronous publish waits for a batch
// to fill. Publishing sits on the request path.
const publishBatchTimeout = 10 * time.Millisecond

// Publisher is called after a transition commits. Delivery is best effort;
// the transition log stays the source of truth.
type Publisher interface {
	PublishTransition(ctx context.Context, ev models.TransitionEvent) error
	Close() error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: publishBatchTimeout,
	})
	return &KafkaPublisher{writer: w}
}

// PublishTransition keys messages by ride id so one ride's events stay
// ordered within a partition.
func (k *KafkaPublisher) PublishTransition(ctx context.Context, ev models.TransitionEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

type NopPublisher struct{}

func (NopPublisher) PublishTransition(context.Context, models.TransitionEvent) error { return nil }

func (NopPublisher) Close() error { return nil }

func Encode(ev models.TransitionEvent) ([]byte, error) { return json.Marshal(ev) }

func Decode(b []byte) (models.TransitionEvent, error) {
	var ev models.TransitionEvent
	err := json.Unmarshal(b, &ev)
	return ev, err
}
