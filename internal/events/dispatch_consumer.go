package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/streadway/amqp"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
	"github.com/Keiracom/Agency-OS-sub012/internal/pkg/logger"
)

// DispatchHandler performs the provider send for one queued job.
type DispatchHandler func(ctx context.Context, job DispatchJob) error

// DispatchConsumer pulls dispatch jobs for a single channel off the broker
// and hands them to the delivery handler. Each channel gets its own
// consumer so a slow provider never starves the others.
type DispatchConsumer struct {
	broker  *Broker
	pub     republisher
	channel domain.Channel
	queue   string
	handler DispatchHandler
}

// NewDispatchConsumer creates a consumer for one channel's dispatch queue.
func NewDispatchConsumer(broker *Broker, channel domain.Channel, handler DispatchHandler) *DispatchConsumer {
	return &DispatchConsumer{
		broker:  broker,
		pub:     broker,
		channel: channel,
		queue:   fmt.Sprintf("%s.%s", broker.cfg.DispatchQueue, channel),
		handler: handler,
	}
}

// Start consumes until ctx is cancelled or the channel closes.
func (c *DispatchConsumer) Start(ctx context.Context) error {
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

	log.Printf("[Events] Consuming %s dispatch jobs from %s", c.channel, c.queue)
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

func (c *DispatchConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var job DispatchJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		logger.Warn("Dropping malformed dispatch job", "queue", c.queue, "error", err.Error())
		d.Ack(false)
		return
	}

	if err := c.handler(ctx, job); err != nil {
		var retryCount int32
		if v, ok := d.Headers["x-retry-count"].(int32); ok {
			retryCount = v
		}
		if retryCount < maxEventRedeliveries {
			// Republish with the bumped count; a plain Nack redelivers with
			// the original headers and the cap never bites.
			if pubErr := c.pub.publishRaw(c.queue, d.Body, retryCount+1); pubErr != nil {
				logger.Warn("Failed to republish dispatch job, requeueing",
					"attempt_id", job.AttemptID, "error", pubErr.Error())
				d.Nack(false, true)
				return
			}
			d.Ack(false)
			return
		}
		logger.Error("Giving up on dispatch job",
			"attempt_id", job.AttemptID, "channel", string(job.Channel), "error", err.Error())
	}
	d.Ack(false)
}
