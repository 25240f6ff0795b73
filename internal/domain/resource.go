package domain

import "time"

// ResourceKind identifies the type of shared sending asset.
type ResourceKind string

const (
	KindMailbox     ResourceKind = "mailbox"
	KindPhoneNumber ResourceKind = "phone_number"
	KindSocialSeat  ResourceKind = "social_seat"
)

// HealthState is the reputation health of a resource unit.
type HealthState string

const (
	HealthGood        HealthState = "good"
	HealthWarning     HealthState = "warning"
	HealthCritical    HealthState = "critical"
	HealthQuarantined HealthState = "quarantined"
)

// WarmupStage labels the progression of a unit through its ramp.
type WarmupStage string

const (
	StageEarly       WarmupStage = "early"
	StageBuilding    WarmupStage = "building"
	StageRamping     WarmupStage = "ramping"
	StageMaturing    WarmupStage = "maturing"
	StageEstablished WarmupStage = "established"
	StagePaused      WarmupStage = "paused"
)

// ResourceUnit is one sending asset from the shared pool: a warmed mailbox,
// a phone number, or a social seat. Assigned to at most one tenant at a time.
type ResourceUnit struct {
	ID         string       `json:"id" db:"id"`
	Kind       ResourceKind `json:"kind" db:"kind"`
	Identifier string       `json:"identifier" db:"identifier"` // address, E.164 number, or seat handle
	TenantID   string       `json:"tenant_id,omitempty" db:"tenant_id"` // empty = free pool

	DailyLimit int         `json:"daily_limit" db:"daily_limit"`
	WarmupDay  int         `json:"warmup_day" db:"warmup_day"` // 0 = not in warmup
	Stage      WarmupStage `json:"warmup_stage" db:"warmup_stage"`
	Health     HealthState `json:"health" db:"health"`

	// RecentUtilization is the fraction of daily capacity used over the
	// trailing window, used by Acquire's least-loaded ordering.
	RecentUtilization float64 `json:"recent_utilization" db:"recent_utilization"`

	LastAssignedAt *time.Time `json:"last_assigned_at" db:"last_assigned_at"`
	ChurnHoldUntil *time.Time `json:"churn_hold_until" db:"churn_hold_until"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// InWarmup reports whether the unit is still ramping.
func (u *ResourceUnit) InWarmup() bool {
	return u.WarmupDay > 0 && u.Stage != StageEstablished
}

// Assignable reports whether Acquire may offer this unit to a tenant at t.
func (u *ResourceUnit) Assignable(t time.Time) bool {
	if u.TenantID != "" || u.Health != HealthGood {
		return false
	}
	if u.ChurnHoldUntil != nil && u.ChurnHoldUntil.After(t) {
		return false
	}
	return true
}

// ResourceAssignment binds a unit to a tenant (and optionally one campaign).
type ResourceAssignment struct {
	ID         string     `json:"id" db:"id"`
	UnitID     string     `json:"unit_id" db:"unit_id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	CampaignID string     `json:"campaign_id,omitempty" db:"campaign_id"`
	AssignedAt time.Time  `json:"assigned_at" db:"assigned_at"`
	ReleasedAt *time.Time `json:"released_at" db:"released_at"`
}

// PoolCapacity is a point-in-time view of one resource kind's pool.
type PoolCapacity struct {
	Kind         ResourceKind `json:"kind"`
	Total        int          `json:"total"`
	Free         int          `json:"free"`
	BufferTarget int          `json:"buffer_target"` // minimum free units before expansion
}

// ProvisioningSignal is raised when free capacity falls below the buffer.
// Consumed by the external resource-purchasing collaborator.
type ProvisioningSignal struct {
	Kind         ResourceKind `json:"kind"`
	Free         int          `json:"free"`
	Total        int          `json:"total"`
	BufferTarget int          `json:"buffer_target"`
	Requested    int          `json:"requested"`
	TenantID     string       `json:"tenant_id"`
	RaisedAt     time.Time    `json:"raised_at"`
}
