package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

type fakePublisher struct {
	queues []string
	bodies []interface{}
	err    error
}

func (f *fakePublisher) publish(queue string, body interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.queues = append(f.queues, queue)
	f.bodies = append(f.bodies, body)
	return nil
}

func TestQueueDispatcherSend(t *testing.T) {
	pub := &fakePublisher{}
	d := &QueueDispatcher{pub: pub, prefix: "outreach.dispatch", now: func() time.Time {
		return time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)
	}}

	unit := domain.ResourceUnit{ID: "mb-1", Kind: domain.KindMailbox, Identifier: "outbound1@agency.io"}
	lead := domain.Lead{ID: "lead-1", TenantID: "tenant-1", Email: "ceo@example.com", Phone: "+13125550100"}
	attempt := domain.DispatchAttempt{ID: "a-1", CampaignID: "camp-1", Channel: domain.ChannelEmail}

	res, err := d.Send(context.Background(), unit, lead, attempt)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccepted, res.Outcome)
	assert.NotEmpty(t, res.ProviderID)

	require.Len(t, pub.queues, 1)
	assert.Equal(t, "outreach.dispatch.email", pub.queues[0])

	job := pub.bodies[0].(DispatchJob)
	assert.Equal(t, "a-1", job.AttemptID)
	assert.Equal(t, res.ProviderID, job.ProviderID)
	assert.Equal(t, "ceo@example.com", job.To)
	assert.Equal(t, "outbound1@agency.io", job.Identifier)

	t.Run("voice routes to phone", func(t *testing.T) {
		attempt.Channel = domain.ChannelVoice
		_, err := d.Send(context.Background(), unit, lead, attempt)
		require.NoError(t, err)
		job := pub.bodies[len(pub.bodies)-1].(DispatchJob)
		assert.Equal(t, "outreach.dispatch.voice", pub.queues[len(pub.queues)-1])
		assert.Equal(t, "+13125550100", job.To)
	})

	t.Run("publish failure is transient", func(t *testing.T) {
		pub.err = errors.New("broker gone")
		_, err := d.Send(context.Background(), unit, lead, attempt)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrTransient))
	})
}

type fakeRepublisher struct {
	queues  []string
	bodies  [][]byte
	retries []int32
	err     error
}

func (f *fakeRepublisher) publishRaw(queue string, body []byte, retryCount int32) error {
	if f.err != nil {
		return f.err
	}
	f.queues = append(f.queues, queue)
	f.bodies = append(f.bodies, body)
	f.retries = append(f.retries, retryCount)
	return nil
}

type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error { f.acked = true; return nil }
func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}
func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error { return nil }

func delivery(t *testing.T, ack *fakeAcknowledger, ev interface{}, retries int32) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	headers := amqp.Table{}
	if retries > 0 {
		headers["x-retry-count"] = retries
	}
	return amqp.Delivery{Acknowledger: ack, Body: body, Headers: headers}
}

func TestConsumerHandleDelivery(t *testing.T) {
	ev := domain.InboundEvent{LeadID: "lead-1", Channel: domain.ChannelEmail, EventType: domain.EventDelivered}

	t.Run("ack on success", func(t *testing.T) {
		var got domain.InboundEvent
		c := &Consumer{handler: func(ctx context.Context, e domain.InboundEvent) error {
			got = e
			return nil
		}}
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), delivery(t, ack, ev, 0))
		assert.True(t, ack.acked)
		assert.False(t, ack.nacked)
		assert.Equal(t, "lead-1", got.LeadID)
	})

	t.Run("republish with bumped count on handler failure", func(t *testing.T) {
		pub := &fakeRepublisher{}
		c := &Consumer{pub: pub, queue: "outreach.events", handler: func(ctx context.Context, e domain.InboundEvent) error {
			return errors.New("store down")
		}}
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), delivery(t, ack, ev, 0))
		assert.True(t, ack.acked)
		assert.False(t, ack.nacked)
		require.Len(t, pub.retries, 1)
		assert.Equal(t, "outreach.events", pub.queues[0])
		assert.Equal(t, int32(1), pub.retries[0])
	})

	t.Run("count carries across redeliveries", func(t *testing.T) {
		pub := &fakeRepublisher{}
		c := &Consumer{pub: pub, queue: "outreach.events", handler: func(ctx context.Context, e domain.InboundEvent) error {
			return errors.New("store down")
		}}
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), delivery(t, ack, ev, 2))
		require.Len(t, pub.retries, 1)
		assert.Equal(t, int32(3), pub.retries[0])
	})

	t.Run("nack when republish fails", func(t *testing.T) {
		pub := &fakeRepublisher{err: errors.New("broker gone")}
		c := &Consumer{pub: pub, queue: "outreach.events", handler: func(ctx context.Context, e domain.InboundEvent) error {
			return errors.New("store down")
		}}
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), delivery(t, ack, ev, 0))
		assert.True(t, ack.nacked)
		assert.True(t, ack.requeue)
		assert.False(t, ack.acked)
	})

	t.Run("ack after redelivery budget", func(t *testing.T) {
		pub := &fakeRepublisher{}
		c := &Consumer{pub: pub, queue: "outreach.events", handler: func(ctx context.Context, e domain.InboundEvent) error {
			return errors.New("still down")
		}}
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), delivery(t, ack, ev, maxEventRedeliveries))
		assert.True(t, ack.acked)
		assert.False(t, ack.nacked)
		assert.Empty(t, pub.retries, "spent budget must not republish")
	})

	t.Run("malformed body acked", func(t *testing.T) {
		c := &Consumer{handler: func(ctx context.Context, e domain.InboundEvent) error {
			t.Fatal("handler must not run")
			return nil
		}}
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{bad")})
		assert.True(t, ack.acked)
	})
}

func TestDispatchConsumerHandleDelivery(t *testing.T) {
	job := DispatchJob{AttemptID: "att-1", LeadID: "lead-1", Channel: domain.ChannelEmail}

	t.Run("ack on success", func(t *testing.T) {
		var got DispatchJob
		c := &DispatchConsumer{queue: "outreach.dispatch.email", handler: func(ctx context.Context, j DispatchJob) error {
			got = j
			return nil
		}}
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), delivery(t, ack, job, 0))
		assert.True(t, ack.acked)
		assert.Equal(t, "att-1", got.AttemptID)
	})

	t.Run("republish with bumped count on send failure", func(t *testing.T) {
		pub := &fakeRepublisher{}
		c := &DispatchConsumer{pub: pub, queue: "outreach.dispatch.email", handler: func(ctx context.Context, j DispatchJob) error {
			return errors.New("provider down")
		}}
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), delivery(t, ack, job, 1))
		assert.True(t, ack.acked)
		assert.False(t, ack.nacked)
		require.Len(t, pub.retries, 1)
		assert.Equal(t, "outreach.dispatch.email", pub.queues[0])
		assert.Equal(t, int32(2), pub.retries[0])
	})

	t.Run("nack when republish fails", func(t *testing.T) {
		pub := &fakeRepublisher{err: errors.New("broker gone")}
		c := &DispatchConsumer{pub: pub, queue: "outreach.dispatch.email", handler: func(ctx context.Context, j DispatchJob) error {
			return errors.New("provider down")
		}}
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), delivery(t, ack, job, 0))
		assert.True(t, ack.nacked)
		assert.True(t, ack.requeue)
	})

	t.Run("ack after redelivery budget", func(t *testing.T) {
		pub := &fakeRepublisher{}
		c := &DispatchConsumer{pub: pub, queue: "outreach.dispatch.email", handler: func(ctx context.Context, j DispatchJob) error {
			return errors.New("still down")
		}}
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), delivery(t, ack, job, maxEventRedeliveries))
		assert.True(t, ack.acked)
		assert.False(t, ack.nacked)
		assert.Empty(t, pub.retries, "spent budget must not republish")
	})
}
