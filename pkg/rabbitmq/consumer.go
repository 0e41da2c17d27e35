package rabbitmq

import (
	"errors"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. Returning false asks for redelivery.
type Handler func(body []byte) bool

const defaultPrefetch = 1

// Consumer reads messages addressed to the ledger (relayed gateway callbacks)
// from a durable queue bound to the events exchange.
type Consumer struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	logger   *slog.Logger
	prefetch int
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger used for delivery outcomes.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPrefetch bounds the number of unacknowledged deliveries in flight.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

func newConsumer(opts ...ConsumerOption) *Consumer {
	c := &Consumer{logger: slog.Default(), prefetch: defaultPrefetch}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "rabbitmq_consumer")
	return c
}

// NewConsumer dials the broker and opens a channel with the configured prefetch.
func NewConsumer(amqpURL string, opts ...ConsumerOption) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	c := newConsumer(opts...)

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	// A prefetch of one keeps redeliveries of the same reference in order.
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	c.conn, c.ch = conn, ch
	return c, nil
}

// routeTable drops nil handlers and rejects an empty binding set.
func routeTable(bindings map[string]Handler) (map[string]Handler, error) {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil && routingKey != "" {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return nil, errors.New("no bindings provided")
	}
	return handlers, nil
}

// ConsumeWithBindings declares queueName, binds it to exchange for each
// routing key and dispatches deliveries to the matching handler.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers, err := routeTable(bindings)
	if err != nil {
		return err
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		for d := range msgs {
			c.dispatch(handlers, d)
		}
		c.logger.Warn("delivery channel closed; consumer stopped", "queue", q.Name)
	}()
	return nil
}

// dispatch acknowledges handled and unroutable deliveries and requeues the
// ones whose handler asked for redelivery.
func (c *Consumer) dispatch(handlers map[string]Handler, d amqp091.Delivery) {
	log := c.logger.With("routing_key", d.RoutingKey, "delivery_tag", d.DeliveryTag)

	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Warn("no handler for routing key; dropping")
		if err := d.Ack(false); err != nil {
			log.Error("ack failed", "error", err)
		}
		return
	}
	if handler(d.Body) {
		if err := d.Ack(false); err != nil {
			log.Error("ack failed", "error", err)
		}
		return
	}
	log.Warn("handler failed; re-queuing", "redelivered", d.Redelivered)
	if err := d.Nack(false, true); err != nil {
		log.Error("nack failed", "error", err)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
