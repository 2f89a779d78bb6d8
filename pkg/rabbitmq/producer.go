/**
 * @description
 * This package provides a simple producer for publishing domain events to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a JSON message
 * to a topic exchange and routing key.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/rs/zerolog: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Warn().
		Str("component", "rabbitmq_producer").
		Str("mode", "fallback").
		Str("exchange", exchange).
		Str("routing_key", routingKey).
		Msg("publish skipped")
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if clean == "" {
		return "", errors.New("amqp url is empty")
	}
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

func (p *EventProducer) reopenChannel() error {
	if p.conn == nil {
		return errors.New("rabbitmq connection is not open")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return nil
}

func declareTopic(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

// Publish sends a JSON message to a specific exchange with a routing key. A failed
// declare or publish reopens the channel and retries once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Str("component", "rabbitmq_producer").Str("exchange", exchange).Str("routing_key", routingKey).Msg("json marshal failed")
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	publish := func() error {
		if err := declareTopic(p.channel, exchange); err != nil {
			return err
		}
		return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}

	if err := publish(); err != nil {
		log.Warn().Err(err).Str("component", "rabbitmq_producer").Str("exchange", exchange).Str("routing_key", routingKey).Msg("publish failed; reopening channel")
		if reopenErr := p.reopenChannel(); reopenErr != nil {
			return reopenErr
		}
		return publish()
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
