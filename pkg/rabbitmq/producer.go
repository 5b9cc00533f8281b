/**
 * @description
 * This package wraps RabbitMQ for the payout-service: a producer that publishes JSON
 * messages to durable topic exchanges, and a consumer that dispatches deliveries to
 * handlers by routing key.
 *
 * @notes
 * - Messages are published persistent with a message id, so consumers can deduplicate the
 *   redeliveries the outbox may cause.
 * - A failed publish reopens the channel once before giving up; the outbox retries later.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey, messageID string, payload []byte) error
	Close()
}

var (
	_ Publisher = (*EventProducer)(nil)
	_ Publisher = (*LogPublisher)(nil)
)

// LogPublisher stands in for the broker when RabbitMQ is not configured. It logs and drops.
type LogPublisher struct{}

func (p *LogPublisher) PublishJSON(ctx context.Context, exchange, routingKey, messageID string, payload []byte) error {
	log.Printf("level=warn component=rabbitmq_producer mode=log msg=\"publish skipped\" exchange=%s routing_key=%s message_id=%s payload=%s", exchange, routingKey, messageID, string(payload))
	return nil
}

func (p *LogPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
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

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
}

// NewEventProducer dials RabbitMQ with a bounded timeout so startup never hangs.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// PublishJSON publishes an already encoded JSON payload.
func (p *EventProducer) PublishJSON(ctx context.Context, exchange, routingKey, messageID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         payload,
	}
	err := p.publishLocked(ctx, exchange, routingKey, msg)
	if err == nil {
		return nil
	}

	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
	if reopenErr := p.reopenLocked(); reopenErr != nil {
		return err
	}
	return p.publishLocked(ctx, exchange, routingKey, msg)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return err
		}
		p.declared[exchange] = true
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

func (p *EventProducer) reopenLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		return amqp091.ErrClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = ch
	p.declared = make(map[string]bool)
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
