package domain

import "time"

// Tier buckets leads by Agency Lead Score. Higher tiers unlock more channels.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCool Tier = "cool"
	TierCold Tier = "cold"
	TierDead Tier = "dead"
)

// SuppressionReason enumerates why a lead was suppressed from all outreach.
type SuppressionReason string

const (
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonOptOut      SuppressionReason = "opt_out"
	ReasonComplaint   SuppressionReason = "complaint"
	ReasonRestriction SuppressionReason = "restriction"
	ReasonDNCRegistry SuppressionReason = "dnc_registry"
	ReasonManual      SuppressionReason = "manual"
)

// Lead is a prospect in the shared multi-tenant pool. The score and tier
// fields are owned by the scorer and mutated only through recomputation;
// dispatch logic reads them and sets suppression via the suppression fields.
type Lead struct {
	ID           string `json:"id" db:"id"`
	TenantID     string `json:"tenant_id" db:"tenant_id"`
	Email        string `json:"email" db:"email"`
	Phone        string `json:"phone,omitempty" db:"phone"`
	Company      string `json:"company,omitempty" db:"company"`
	Title        string `json:"title,omitempty" db:"title"`
	Timezone     string `json:"timezone" db:"timezone"` // IANA name, e.g. "America/Chicago"
	Completeness float64 `json:"enrichment_completeness" db:"enrichment_completeness"` // 0.0-1.0

	Score        int        `json:"score" db:"score"` // 0-100
	Tier         Tier       `json:"tier" db:"tier"`
	LastScoredAt *time.Time `json:"last_scored_at" db:"last_scored_at"`

	Suppressed       bool              `json:"suppressed" db:"suppressed"`
	SuppressedReason SuppressionReason `json:"suppressed_reason,omitempty" db:"suppressed_reason"`
	SuppressedAt     *time.Time        `json:"suppressed_at" db:"suppressed_at"`

	// ComplianceFlagged marks a lead the Compliance Gate has rejected for
	// voice/SMS (DNC registry hit). Lower-impact than Suppressed: the lead
	// stays eligible on other channels.
	ComplianceFlagged bool `json:"compliance_flagged" db:"compliance_flagged"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Contactable reports whether any outreach may target this lead at all.
func (l *Lead) Contactable() bool {
	return !l.Suppressed
}

// EnrichedLeadRecord is the payload delivered by the external enrichment
// collaborator. Its arrival triggers score recomputation.
type EnrichedLeadRecord struct {
	LeadID       string             `json:"lead_id"`
	Identity     map[string]string  `json:"identity"`
	Firmographic map[string]string  `json:"firmographics"`
	Signals      map[string]float64 `json:"signals"`
	Completeness float64            `json:"completeness"`
	ReceivedAt   time.Time          `json:"received_at"`
}
