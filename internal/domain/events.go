package domain

import "time"

// EventType classifies normalized inbound events from provider webhooks.
type EventType string

const (
	EventBounce      EventType = "bounce"
	EventSoftBounce  EventType = "soft_bounce"
	EventComplaint   EventType = "complaint"
	EventReply       EventType = "reply"
	EventRestriction EventType = "restriction"
	EventVoicemail   EventType = "voicemail"
	EventAnswered    EventType = "answered"
	EventDelivered   EventType = "delivered"
	EventOptOut      EventType = "opt_out"
)

// InboundEvent is the normalized form of a provider webhook payload, fed to
// the health monitor and the scorer.
type InboundEvent struct {
	LeadID         string    `json:"lead_id"`
	Channel        Channel   `json:"channel"`
	EventType      EventType `json:"event_type"`
	ResourceUnitID string    `json:"resource_unit_id,omitempty"`
	ProviderID     string    `json:"provider_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// OutcomeForEvent translates an inbound event into a dispatch outcome.
// Unknown events map to empty, which callers ignore.
func OutcomeForEvent(t EventType) Outcome {
	switch t {
	case EventBounce:
		return OutcomeHardBounce
	case EventSoftBounce:
		return OutcomeSoftBounce
	case EventComplaint:
		return OutcomeComplaint
	case EventReply:
		return OutcomeReplied
	case EventRestriction:
		return OutcomeRestriction
	case EventVoicemail:
		return OutcomeVoicemail
	case EventAnswered:
		return OutcomeAnswered
	case EventDelivered:
		return OutcomeDelivered
	case EventOptOut:
		return OutcomeOptOut
	}
	return ""
}

// TierChange is emitted by the scorer when recomputation moves a lead across
// a tier boundary. The allocator re-evaluates channel eligibility on receipt.
type TierChange struct {
	LeadID   string    `json:"lead_id"`
	TenantID string    `json:"tenant_id"`
	OldTier  Tier      `json:"old_tier"`
	NewTier  Tier      `json:"new_tier"`
	Score    int       `json:"score"`
	At       time.Time `json:"at"`
}
