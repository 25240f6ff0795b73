package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// ResourceRepo persists pool units and assignments. The in-memory pool
// manager is authoritative at runtime; this repo is its write-behind store
// and the source it reloads from on boot.
type ResourceRepo struct{ db *sql.DB }

// NewResourceRepo creates a Postgres-backed resource repository.
func NewResourceRepo(db *sql.DB) *ResourceRepo { return &ResourceRepo{db: db} }

// LoadUnits reads the whole inventory, for pool boot.
func (r *ResourceRepo) LoadUnits(ctx context.Context) ([]domain.ResourceUnit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, identifier, COALESCE(tenant_id,''), daily_limit, warmup_day,
		       warmup_stage, health, recent_utilization, last_assigned_at,
		       churn_hold_until, created_at, updated_at
		FROM resource_units
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load resource units: %w", err)
	}
	defer rows.Close()

	var out []domain.ResourceUnit
	for rows.Next() {
		var u domain.ResourceUnit
		if err := rows.Scan(&u.ID, &u.Kind, &u.Identifier, &u.TenantID, &u.DailyLimit,
			&u.WarmupDay, &u.Stage, &u.Health, &u.RecentUtilization, &u.LastAssignedAt,
			&u.ChurnHoldUntil, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan resource unit: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// InsertUnit registers a newly provisioned unit.
func (r *ResourceRepo) InsertUnit(ctx context.Context, u domain.ResourceUnit) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resource_units (id, kind, identifier, daily_limit, warmup_day,
		                            warmup_stage, health, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, u.ID, u.Kind, u.Identifier, u.DailyLimit, u.WarmupDay, u.Stage, u.Health)
	if err != nil {
		return fmt.Errorf("insert resource unit: %w", err)
	}
	return nil
}

// UpdateUnit writes the pool manager's current view of a unit.
func (r *ResourceRepo) UpdateUnit(u domain.ResourceUnit) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE resource_units
		SET tenant_id = NULLIF($1,''), daily_limit = $2, warmup_day = $3, warmup_stage = $4,
		    health = $5, recent_utilization = $6, last_assigned_at = $7,
		    churn_hold_until = $8, updated_at = NOW()
		WHERE id = $9
	`, u.TenantID, u.DailyLimit, u.WarmupDay, u.Stage, u.Health,
		u.RecentUtilization, u.LastAssignedAt, u.ChurnHoldUntil, u.ID)
	if err != nil {
		return fmt.Errorf("update resource unit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resource unit %s: %w", u.ID, ErrNotFound)
	}
	return nil
}

// SaveAssignment records a grant.
func (r *ResourceRepo) SaveAssignment(a domain.ResourceAssignment) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resource_assignments (id, unit_id, tenant_id, campaign_id, assigned_at)
		VALUES ($1, $2, $3, NULLIF($4,''), $5)
	`, a.ID, a.UnitID, a.TenantID, a.CampaignID, a.AssignedAt)
	if err != nil {
		return fmt.Errorf("save assignment: %w", err)
	}
	return nil
}

// ReleaseAssignment closes a grant.
func (r *ResourceRepo) ReleaseAssignment(id string, releasedAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE resource_assignments SET released_at = $1 WHERE id = $2 AND released_at IS NULL
	`, releasedAt, id)
	if err != nil {
		return fmt.Errorf("release assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("assignment %s: %w", id, ErrNotFound)
	}
	return nil
}

// OpenAssignments lists live grants, for pool boot.
func (r *ResourceRepo) OpenAssignments(ctx context.Context) ([]domain.ResourceAssignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, unit_id, tenant_id, COALESCE(campaign_id,''), assigned_at
		FROM resource_assignments
		WHERE released_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load open assignments: %w", err)
	}
	defer rows.Close()

	var out []domain.ResourceAssignment
	for rows.Next() {
		var a domain.ResourceAssignment
		if err := rows.Scan(&a.ID, &a.UnitID, &a.TenantID, &a.CampaignID, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
