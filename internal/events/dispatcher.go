package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// DispatchJob is the payload handed to a channel's delivery worker.
type DispatchJob struct {
	AttemptID  string         `json:"attempt_id"`
	ProviderID string         `json:"provider_id"`
	LeadID     string         `json:"lead_id"`
	TenantID   string         `json:"tenant_id"`
	CampaignID string         `json:"campaign_id"`
	Channel    domain.Channel `json:"channel"`
	UnitID     string         `json:"unit_id"`
	Identifier string         `json:"identifier"` // sending address / number / seat
	To         string         `json:"to"`
	QueuedAt   time.Time      `json:"queued_at"`
}

type publisher interface {
	publish(queue string, body interface{}) error
}

// QueueDispatcher implements the scheduler's Dispatcher by publishing jobs
// to a per-channel queue. Delivery workers report results back through the
// webhook endpoint, so a successful publish is Accepted, not Delivered.
type QueueDispatcher struct {
	pub    publisher
	prefix string
	now    func() time.Time
}

// NewQueueDispatcher creates a dispatcher publishing under the configured
// queue prefix ("<prefix>.<channel>").
func NewQueueDispatcher(broker *Broker) *QueueDispatcher {
	return &QueueDispatcher{pub: broker, prefix: broker.cfg.DispatchQueue, now: time.Now}
}

// Send enqueues the attempt for its channel's delivery worker.
func (d *QueueDispatcher) Send(ctx context.Context, unit domain.ResourceUnit, lead domain.Lead, attempt domain.DispatchAttempt) (domain.DispatchResult, error) {
	to := lead.Email
	if attempt.Channel == domain.ChannelVoice || attempt.Channel == domain.ChannelSMS {
		to = lead.Phone
	}

	job := DispatchJob{
		AttemptID:  attempt.ID,
		ProviderID: uuid.NewString(),
		LeadID:     lead.ID,
		TenantID:   lead.TenantID,
		CampaignID: attempt.CampaignID,
		Channel:    attempt.Channel,
		UnitID:     unit.ID,
		Identifier: unit.Identifier,
		To:         to,
		QueuedAt:   d.now(),
	}

	queue := fmt.Sprintf("%s.%s", d.prefix, attempt.Channel)
	if err := d.pub.publish(queue, job); err != nil {
		return domain.DispatchResult{}, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return domain.DispatchResult{
		Outcome:    domain.OutcomeAccepted,
		ProviderID: job.ProviderID,
		SentAt:     job.QueuedAt,
	}, nil
}
