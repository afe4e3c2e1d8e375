package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes ledger and settlement events to their topics.
// Writes are asynchronous: Publish only enqueues, and delivery failures are
// logged by the writer's completion callback.
type KafkaPublisher struct {
	writers map[string]*kafka.Writer
}

// NewKafkaPublisher creates writers for the ledger and settlement topics.
func NewKafkaPublisher(brokers []string, ledgerTopic, settlementTopic string, log *zap.Logger) *KafkaPublisher {
	log = log.Named("kafka")
	return &KafkaPublisher{
		writers: map[string]*kafka.Writer{
			StreamLedger:     newWriter(brokers, ledgerTopic, log),
			StreamSettlement: newWriter(brokers, settlementTopic, log),
		},
	}
}

func newWriter(brokers []string, topic string, log *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Error("event delivery failed",
					zap.String("topic", topic),
					zap.Int("messages", len(msgs)),
					zap.Error(err),
				)
			}
		},
	}
}

// Publish writes e keyed by e.Key so one user's or draw's events stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	w, ok := p.writers[e.Stream]
	if !ok {
		return fmt.Errorf("events: unknown stream %q", e.Stream)
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.Type, err)
	}
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
}

// Close flushes and closes all writers.
func (p *KafkaPublisher) Close() error {
	var first error
	for _, w := range p.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
