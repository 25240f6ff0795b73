package domain

import "time"

// Channel identifies an outreach channel. The fixed priority order below is
// the order channels appear in a full-tier sequence.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelLinkedIn Channel = "linkedin"
	ChannelVoice    Channel = "voice"
	ChannelSMS      Channel = "sms"
	ChannelMail     Channel = "mail"
)

// AllChannels lists every channel in priority order.
var AllChannels = []Channel{ChannelEmail, ChannelLinkedIn, ChannelVoice, ChannelSMS, ChannelMail}

// RegulatedChannel reports whether the channel requires a do-not-contact
// registry check before dispatch.
func RegulatedChannel(ch Channel) bool {
	return ch == ChannelVoice || ch == ChannelSMS
}

// ResourceKindFor maps a channel to the pool resource kind it consumes.
// Postal mail is fulfilled through the tenant's mailbox account.
func ResourceKindFor(ch Channel) ResourceKind {
	switch ch {
	case ChannelVoice, ChannelSMS:
		return KindPhoneNumber
	case ChannelLinkedIn:
		return KindSocialSeat
	default:
		return KindMailbox
	}
}

// AttemptState enumerates the dispatch attempt state machine.
type AttemptState string

const (
	AttemptEligible   AttemptState = "eligible"
	AttemptScheduled  AttemptState = "scheduled"
	AttemptDispatched AttemptState = "dispatched"
	AttemptDelivered  AttemptState = "delivered"
	AttemptBounced    AttemptState = "bounced"
	AttemptReplied    AttemptState = "replied"
	AttemptFailed     AttemptState = "failed"
	AttemptSuppressed AttemptState = "suppressed"
)

// DispatchAttempt is one outbound try for a (lead, channel, step) tuple.
// Terminal attempts are immutable.
type DispatchAttempt struct {
	ID         string       `json:"id" db:"id"`
	LeadID     string       `json:"lead_id" db:"lead_id"`
	TenantID   string       `json:"tenant_id" db:"tenant_id"`
	CampaignID string       `json:"campaign_id" db:"campaign_id"`
	Channel    Channel      `json:"channel" db:"channel"`
	StepIndex  int          `json:"step_index" db:"step_index"`
	DayOffset  int          `json:"day_offset" db:"day_offset"`
	State      AttemptState `json:"state" db:"state"`

	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	ScheduledFor time.Time  `json:"scheduled_for" db:"scheduled_for"`
	NextRetryAt  *time.Time `json:"next_retry_at" db:"next_retry_at"`

	ResourceUnitID string `json:"resource_unit_id,omitempty" db:"resource_unit_id"`
	ProviderID     string `json:"provider_id,omitempty" db:"provider_id"`
	ReasonCode     string `json:"reason_code,omitempty" db:"reason_code"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the attempt has reached a final state.
// Delivered, Replied, and Suppressed always terminate; Failed terminates
// once the retry budget is exhausted (the scheduler only writes Failed then).
func (a *DispatchAttempt) IsTerminal() bool {
	switch a.State {
	case AttemptDelivered, AttemptReplied, AttemptSuppressed, AttemptFailed:
		return true
	}
	return false
}

// Outcome classifies the result reported by a channel dispatcher or webhook.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeReplied     Outcome = "replied"
	OutcomeSoftBounce  Outcome = "soft_bounce"
	OutcomeHardBounce  Outcome = "hard_bounce"
	OutcomeBusy        Outcome = "busy"
	OutcomeNoAnswer    Outcome = "no_answer"
	OutcomeVoicemail   Outcome = "voicemail"
	OutcomeAnswered    Outcome = "answered"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeOptOut      Outcome = "opt_out"
	OutcomeRestriction Outcome = "restriction"
	OutcomeComplaint   Outcome = "complaint"
	OutcomeAccepted    Outcome = "accepted" // handed to provider, delivery pending

	// OutcomeProviderError marks a dispatch the provider rejected outright.
	// Counted toward quarantine, retried as transient.
	OutcomeProviderError Outcome = "provider_error"
)

// Permanent reports whether the outcome suppresses the lead outright.
func (o Outcome) Permanent() bool {
	switch o {
	case OutcomeHardBounce, OutcomeOptOut, OutcomeRestriction, OutcomeComplaint:
		return true
	}
	return false
}

// Transient reports whether the outcome is retryable per the backoff table.
func (o Outcome) Transient() bool {
	switch o {
	case OutcomeSoftBounce, OutcomeBusy, OutcomeNoAnswer, OutcomeRateLimited, OutcomeProviderError:
		return true
	}
	return false
}

// DispatchResult is returned by a channel Dispatcher after a send attempt.
type DispatchResult struct {
	Outcome    Outcome   `json:"outcome"`
	ProviderID string    `json:"provider_id"`
	SentAt     time.Time `json:"sent_at"`
	Detail     string    `json:"detail,omitempty"`
}
