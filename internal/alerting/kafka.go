package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes alerts to a Kafka topic keyed by target.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaSink creates a Kafka sink. Connections are made on first write.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink: topic is required")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}, nil
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, event domain.ResilienceEvent) error {
	msg, err := kafkaMessage(s.topic, event)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", event.ID, err)
	}
	return nil
}

func kafkaMessage(topic string, event domain.ResilienceEvent) (kafka.Message, error) {
	body, err := EncodeEvent(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(event.Target),
		Value: body,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "severity", Value: []byte(event.Severity)},
		},
	}, nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
