package scheduler

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// Planner expands a campaign's step sequence into dispatch attempts for one
// admitted lead, applying the tier channel allow-list up front.
type Planner struct {
	channels config.ChannelMatrix
	now      func() time.Time
}

// NewPlanner creates a sequence planner over the tier allow-list.
func NewPlanner(channels config.ChannelMatrix) *Planner {
	return &Planner{channels: channels, now: time.Now}
}

// allowed reports whether the lead's tier may use the channel at all.
func (p *Planner) allowed(tier domain.Tier, ch domain.Channel) bool {
	for _, c := range p.channels[tier] {
		if c == ch {
			return true
		}
	}
	return false
}

// reachable reports whether the lead carries the contact data the channel
// needs. Flagged leads lose the regulated channels without losing the rest.
func reachable(lead domain.Lead, ch domain.Channel) (bool, string) {
	if domain.RegulatedChannel(ch) {
		if lead.ComplianceFlagged {
			return false, "compliance_flagged"
		}
		if lead.Phone == "" {
			return false, "missing_phone"
		}
	}
	if ch == domain.ChannelEmail && lead.Email == "" {
		return false, "missing_email"
	}
	return true, ""
}

// Plan builds the attempt schedule for a lead admitted into a campaign at
// admitAt. Steps the lead's tier does not allow, or that the lead cannot be
// reached on, are dropped; the remaining day offsets keep their absolute
// timing. Campaigns in manual mode plan nothing.
func (p *Planner) Plan(lead domain.Lead, campaign domain.Campaign, admitAt time.Time) ([]domain.DispatchAttempt, error) {
	if !lead.Contactable() {
		return nil, fmt.Errorf("%w: lead %s is suppressed (%s)", domain.ErrComplianceViolation, lead.ID, lead.SuppressedReason)
	}
	if !campaign.IsActive() {
		return nil, fmt.Errorf("campaign %s is %s, not admitting leads", campaign.ID, campaign.Status)
	}
	if campaign.Mode == domain.ModeManual {
		log.Printf("[Planner] Campaign %s is manual, skipping auto-planning for lead %s", campaign.ID, lead.ID)
		return nil, nil
	}

	// Approval-required campaigns park attempts in eligible until a human
	// promotes them; automated ones go straight to the claim queue.
	initial := domain.AttemptScheduled
	if campaign.Mode == domain.ModeApproval {
		initial = domain.AttemptEligible
	}

	now := p.now()
	var attempts []domain.DispatchAttempt
	for i, step := range campaign.Steps {
		if !p.allowed(lead.Tier, step.Channel) {
			continue
		}
		if ok, why := reachable(lead, step.Channel); !ok {
			log.Printf("[Planner] Dropping step %d (%s) for lead %s: %s", i, step.Channel, lead.ID, why)
			continue
		}
		attempts = append(attempts, domain.DispatchAttempt{
			ID:           uuid.New().String(),
			LeadID:       lead.ID,
			TenantID:     lead.TenantID,
			CampaignID:   campaign.ID,
			Channel:      step.Channel,
			StepIndex:    i,
			DayOffset:    step.DayOffset,
			State:        initial,
			ScheduledFor: admitAt.AddDate(0, 0, step.DayOffset),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return attempts, nil
}
