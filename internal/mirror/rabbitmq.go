package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mew-protocol/gateway/pkg/types"
)

// RabbitMQSink publishes mirrored envelopes to a topic exchange, one
// routing key per gateway topic.
type RabbitMQSink struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewRabbitMQSink dials url with retry-with-backoff (RabbitMQ is
// frequently still starting up when the gateway boots in the same
// deployment) and declares exchange as a durable topic exchange.
func NewRabbitMQSink(url, exchange string) (*RabbitMQSink, error) {
	var conn *amqp.Connection
	var err error
	const maxRetries = 5
	backoff := time.Second

	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		if attempt < maxRetries-1 {
			slog.Warn("failed to connect to RabbitMQ mirror, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mirror: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("mirror: declare exchange: %w", err)
	}

	return &RabbitMQSink{conn: conn, channel: ch, exchange: exchange}, nil
}

// Mirror publishes env's wire encoding with the topic name as routing key.
func (s *RabbitMQSink) Mirror(ctx context.Context, topic string, env *types.Envelope) error {
	body, err := encode(topic, env)
	if err != nil {
		return fmt.Errorf("mirror: encode: %w", err)
	}
	err = s.channel.PublishWithContext(ctx, s.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("mirror: publish: %w", err)
	}
	return nil
}

// Close closes the channel and connection.
func (s *RabbitMQSink) Close() error {
	_ = s.channel.Close()
	return s.conn.Close()
}
