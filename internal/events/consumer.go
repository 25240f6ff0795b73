package events

import (
	"context"
	"encoding/json"
	"log"

	"github.com/streadway/amqp"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
	"github.com/Keiracom/Agency-OS-sub012/internal/pkg/logger"
)

const maxEventRedeliveries = 3

// republisher re-enqueues a failed message with its bumped retry count.
type republisher interface {
	publishRaw(queue string, body []byte, retryCount int32) error
}

// EventHandler applies one normalized provider event.
type EventHandler func(ctx context.Context, ev domain.InboundEvent) error

// Consumer pulls inbound provider events off the broker and hands them to
// the handler. Delivery workers publish here when a webhook round-trip is
// not available (voice and mail providers poll rather than push).
type Consumer struct {
	broker  *Broker
	pub     republisher
	queue   string
	handler EventHandler
}

// NewConsumer creates a consumer for the configured event queue.
func NewConsumer(broker *Broker, handler EventHandler) *Consumer {
	return &Consumer{broker: broker, pub: broker, queue: broker.cfg.EventQueue, handler: handler}
}

// Start consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.broker.declare(c.queue); err != nil {
		return err
	}

	msgs, err := c.broker.ch.Consume(
		c.queue,
		"",    // consumer tag
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	log.Printf("[Events] Consuming inbound events from %s", c.queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, open := <-msgs:
			if !open {
				return nil
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var ev domain.InboundEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		logger.Warn("Dropping malformed inbound event", "error", err.Error())
		d.Ack(false)
		return
	}

	if err := c.handler(ctx, ev); err != nil {
		var retryCount int32
		if v, ok := d.Headers["x-retry-count"].(int32); ok {
			retryCount = v
		}
		if retryCount < maxEventRedeliveries {
			// Republish with the bumped count; a plain Nack redelivers with
			// the original headers and the cap never bites.
			if pubErr := c.pub.publishRaw(c.queue, d.Body, retryCount+1); pubErr != nil {
				logger.Warn("Failed to republish inbound event, requeueing",
					"lead_id", ev.LeadID, "error", pubErr.Error())
				d.Nack(false, true)
				return
			}
			d.Ack(false)
			return
		}
		logger.Error("Giving up on inbound event",
			"lead_id", ev.LeadID, "event_type", string(ev.EventType), "error", err.Error())
	}
	d.Ack(false)
}
