package dispatch

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes every event to a topic for downstream consumers
// (push gateways, analytics). Messages are keyed by ride id so one ride's
// events stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) SendTo(ctx context.Context, recipientID string, ev Event) error {
	return k.write(ctx, envelope{Recipient: recipientID, Event: ev})
}

func (k *KafkaSink) Broadcast(ctx context.Context, ev Event) error {
	return k.write(ctx, envelope{Broadcast: true, Event: ev})
}

func (k *KafkaSink) write(ctx context.Context, env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(env.Event.RideID), Value: b})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
