package alerting

import (
	"context"
	"fmt"
	"sync"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQSink publishes alerts to a topic exchange with the event type as routing key.
type RabbitMQSink struct {
	mu       sync.Mutex
	url      string
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
}

// NewRabbitMQSink connects and declares the exchange.
func NewRabbitMQSink(url, exchange string) (*RabbitMQSink, error) {
	if exchange == "" {
		return nil, fmt.Errorf("rabbitmq sink: exchange is required")
	}
	s := &RabbitMQSink{url: url, exchange: exchange}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RabbitMQSink) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	err = channel.ExchangeDeclare(
		s.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq declare exchange %s: %w", s.exchange, err)
	}
	s.conn = conn
	s.channel = channel
	return nil
}

// Name implements Sink.
func (s *RabbitMQSink) Name() string { return "rabbitmq" }

// Deliver implements Sink. A dropped connection is re-dialed once before publishing.
func (s *RabbitMQSink) Deliver(ctx context.Context, event domain.ResilienceEvent) error {
	pub, err := amqpPublishing(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		if err := s.connect(); err != nil {
			return err
		}
	}

	err = s.channel.PublishWithContext(ctx,
		s.exchange,         // exchange
		string(event.Type), // routing key
		false,              // mandatory
		false,              // immediate
		pub,
	)
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", event.ID, err)
	}
	return nil
}

func amqpPublishing(event domain.ResilienceEvent) (amqp.Publishing, error) {
	body, err := EncodeEvent(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.ID,
		CorrelationId: event.CorrelationID,
		Type:          string(event.Type),
		Timestamp:     event.Timestamp,
		Headers: amqp.Table{
			"severity": string(event.Severity),
			"target":   event.Target,
		},
		Body: body,
	}, nil
}

// Close implements Sink.
func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.channel, s.conn = nil, nil
	return firstErr
}
