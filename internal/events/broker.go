// Package events wires the engine to the message broker: outbound dispatch
// jobs per channel, provisioning signals, and inbound provider events.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/streadway/amqp"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// Broker owns one AMQP connection and channel. Queue declarations are
// idempotent, so every producer and consumer declares what it uses.
type Broker struct {
	cfg  config.AMQPConfig
	conn *amqp.Connection
	ch   *amqp.Channel

	mu       sync.Mutex
	declared map[string]bool
}

// NewBroker dials the broker and opens a channel.
func NewBroker(cfg config.AMQPConfig) (*Broker, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open broker channel: %w", err)
	}
	log.Printf("[Events] Connected to broker")
	return &Broker{cfg: cfg, conn: conn, ch: ch, declared: make(map[string]bool)}, nil
}

// Close releases the channel and connection.
func (b *Broker) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Broker) declare(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[queue] {
		return nil
	}
	_, err := b.ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	b.declared[queue] = true
	return nil
}

// publish JSON-encodes body onto queue with persistent delivery.
func (b *Broker) publish(queue string, body interface{}) error {
	if err := b.declare(queue); err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", queue, err)
	}
	err = b.ch.Publish(
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         data,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// publishRaw re-enqueues an already-encoded message carrying its retry
// count. Broker redelivery via Nack resets custom headers, so consumers
// republish failed messages themselves to make the retry cap real.
func (b *Broker) publishRaw(queue string, body []byte, retryCount int32) error {
	if err := b.declare(queue); err != nil {
		return err
	}
	err := b.ch.Publish(
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{"x-retry-count": retryCount},
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("republish to %s: %w", queue, err)
	}
	return nil
}

// PublishEvent feeds a normalized provider event back into the event queue.
// Delivery workers use this for channels without a webhook round-trip.
func (b *Broker) PublishEvent(ev domain.InboundEvent) error {
	return b.publish(b.cfg.EventQueue, ev)
}

// PublishSignal raises a provisioning signal for the purchasing collaborator.
func (b *Broker) PublishSignal(sig domain.ProvisioningSignal) error {
	if err := b.publish(b.cfg.SignalQueue, sig); err != nil {
		return err
	}
	log.Printf("[Events] Provisioning signal published: kind=%s free=%d buffer=%d", sig.Kind, sig.Free, sig.BufferTarget)
	return nil
}
