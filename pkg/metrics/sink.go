package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Sink receives batches of telemetry events.
type Sink interface {
	Publish(ctx context.Context, events []Event) error
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Publish(context.Context, []Event) error { return nil }
func (NopSink) Close() error                           { return nil }

// KafkaSink produces one JSON record per event to a Kafka topic, keyed by
// brick id.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// NewKafkaSink creates a producer for the given seed brokers. Brokers are
// contacted lazily on the first publish.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("brickrunner"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic, logger: logger}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, events []Event) error {
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		records = append(records, &kgo.Record{Key: []byte(e.BrickID), Value: value})
	}
	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce %d events to %s: %w", len(records), s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}

// NATSSink publishes one JSON message per event on a subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink publishes on subject over an established connection. The
// connection is owned by the caller.
func NewNATSSink(conn *nats.Conn, subject string) (*NATSSink, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

func (s *NATSSink) Publish(ctx context.Context, events []Event) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if err := s.conn.Publish(s.subject, data); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
	}
	return s.conn.FlushWithContext(ctx)
}

func (s *NATSSink) Close() error { return nil }
