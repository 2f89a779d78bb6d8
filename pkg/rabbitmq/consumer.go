package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const defaultPrefetch = 10

// Handler processes one delivery body. Returning false re-queues the delivery.
type Handler func(body []byte) bool

// Consumer reads one durable queue bound to a topic exchange and dispatches each delivery to
// the handler registered for its routing key.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefetch int
	// publishers, when non-empty, is the set of broker user ids whose deliveries are handled.
	publishers map[string]struct{}
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, prefetch: defaultPrefetch}, nil
}

// RequirePublishers restricts dispatch to deliveries whose user-id property names one of
// userIDs. The broker rejects a publish whose user-id differs from the connection's login, so the
// property identifies the credential that sent the message. Deliveries from anyone else are
// acknowledged and dropped. Call before ConsumeWithBindings.
func (c *Consumer) RequirePublishers(userIDs ...string) {
	if len(userIDs) == 0 {
		c.publishers = nil
		return
	}
	c.publishers = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		c.publishers[id] = struct{}{}
	}
}

// ConsumeWithBindings binds queueName to every routing key in bindings and starts dispatching in
// the background. Deliveries with no registered handler are acknowledged and dropped.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := declareTopic(c.ch, exchange); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return err
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, queueName, err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	publishers := c.publishers
	go func() {
		for d := range msgs {
			dispatch(handlers, publishers, d)
		}
		log.Warn().Str("component", "rabbitmq_consumer").Str("queue", q.Name).Msg("delivery channel closed")
	}()

	return nil
}

func dispatch(handlers map[string]Handler, publishers map[string]struct{}, d amqp.Delivery) {
	logger := log.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", d.RoutingKey).
		Str("message_id", d.MessageId).
		Str("user_id", d.UserId).
		Bool("redelivered", d.Redelivered).
		Logger()

	if len(publishers) > 0 {
		if _, ok := publishers[d.UserId]; !ok {
			logger.Error().Msg("delivery from untrusted publisher; acknowledging to drop")
			d.Ack(false)
			return
		}
	}

	handler, ok := handlers[d.RoutingKey]
	if !ok {
		logger.Warn().Msg("no handler for routing key; acknowledging to drop")
		d.Ack(false)
		return
	}
	if handler(d.Body) {
		d.Ack(false)
		return
	}
	logger.Warn().Msg("handler failed; re-queuing")
	d.Nack(false, true)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
