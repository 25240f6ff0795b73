package domain

import "time"

// PermissionMode controls how much human review a campaign's dispatches need.
type PermissionMode string

const (
	ModeAutomated PermissionMode = "automated"
	ModeApproval  PermissionMode = "approval_required"
	ModeManual    PermissionMode = "manual"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "active"
	CampaignPaused   CampaignStatus = "paused"
	CampaignArchived CampaignStatus = "archived"
)

// CampaignStep is one step in a campaign's ordered outreach sequence.
// DayOffset is relative to the day the lead was admitted into the campaign.
type CampaignStep struct {
	Channel   Channel `json:"channel" db:"channel"`
	DayOffset int     `json:"day_offset" db:"day_offset"`
}

// Campaign belongs to exactly one tenant. Priority is a share of the
// tenant's lead volume; all active campaigns of a tenant sum to 100.
type Campaign struct {
	ID       string         `json:"id" db:"id"`
	TenantID string         `json:"tenant_id" db:"tenant_id"`
	Name     string         `json:"name" db:"name"`
	Priority int            `json:"priority" db:"priority"` // 0-100
	Mode     PermissionMode `json:"permission_mode" db:"permission_mode"`
	Status   CampaignStatus `json:"status" db:"status"`
	Steps    []CampaignStep `json:"steps" db:"-"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at" db:"archived_at"`
}

// IsActive reports whether the campaign can accept new leads.
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignActive
}
