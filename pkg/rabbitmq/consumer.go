package rabbitmq

import (
	"fmt"
	"log"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. Returning false requeues the message.
type Handler func(body []byte) bool

// Consumer consumes a durable queue bound to a topic exchange.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefetch int
	done     chan struct{}
}

func NewConsumer(amqpURL string, prefetch int) (*Consumer, error) {
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
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, prefetch: prefetch, done: make(chan struct{})}, nil
}

// ConsumeWithBindings declares the exchange and queue, binds every routing key and starts
// delivering in the background. Deliveries without a handler are dropped.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil || strings.TrimSpace(routingKey) == "" {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		defer close(c.done)
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" queue=%s routing_key=%s", q.Name, d.RoutingKey)
				_ = d.Ack(false)
				continue
			}
			if handler(d.Body) {
				_ = d.Ack(false)
				continue
			}
			log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; requeuing\" queue=%s routing_key=%s redelivered=%t", q.Name, d.RoutingKey, d.Redelivered)
			_ = d.Nack(false, true)
		}
		log.Printf("level=info component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()
	return nil
}

// Done is closed when the delivery loop exits.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
