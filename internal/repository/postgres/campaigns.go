package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// CampaignRepo is the Postgres campaign store. It also satisfies the
// allocator's Store interface, whose methods carry no context because the
// allocator serializes them internally.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

// Get fetches a campaign with its ordered steps.
func (r *CampaignRepo) Get(ctx context.Context, id string) (domain.Campaign, error) {
	var c domain.Campaign
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, priority, permission_mode, status,
		       created_at, updated_at, archived_at
		FROM campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.TenantID, &c.Name, &c.Priority, &c.Mode, &c.Status,
		&c.CreatedAt, &c.UpdatedAt, &c.ArchivedAt)
	if err == sql.ErrNoRows {
		return domain.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("get campaign: %w", err)
	}

	steps, err := r.steps(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Steps = steps
	return c, nil
}

func (r *CampaignRepo) steps(ctx context.Context, campaignID string) ([]domain.CampaignStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT channel, day_offset
		FROM campaign_steps
		WHERE campaign_id = $1
		ORDER BY step_index ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list campaign steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.CampaignStep
	for rows.Next() {
		var s domain.CampaignStep
		if err := rows.Scan(&s.Channel, &s.DayOffset); err != nil {
			return nil, fmt.Errorf("scan campaign step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// Create inserts a campaign and its steps in one transaction.
func (r *CampaignRepo) Create(ctx context.Context, c domain.Campaign) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create campaign: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, priority, permission_mode, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`, c.ID, c.TenantID, c.Name, c.Priority, c.Mode, c.Status)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	for i, s := range c.Steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO campaign_steps (campaign_id, step_index, channel, day_offset)
			VALUES ($1, $2, $3, $4)
		`, c.ID, i, s.Channel, s.DayOffset)
		if err != nil {
			return fmt.Errorf("insert campaign step %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// SetStatus moves a campaign through its lifecycle.
func (r *CampaignRepo) SetStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	q := `UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`
	if status == domain.CampaignArchived {
		q = `UPDATE campaigns SET status = $1, archived_at = NOW(), updated_at = NOW() WHERE id = $2`
	}
	res, err := r.db.ExecContext(ctx, q, status, id)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

// ActiveCampaigns lists a tenant's active campaigns with steps.
func (r *CampaignRepo) ActiveCampaigns(tenantID string) ([]domain.Campaign, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, priority, permission_mode, status, created_at, updated_at
		FROM campaigns
		WHERE tenant_id = $1 AND status = 'active'
		ORDER BY id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Priority, &c.Mode, &c.Status,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		steps, err := r.steps(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Steps = steps
	}
	return out, nil
}

// SavePriorities writes a rebalanced priority set in one transaction, so a
// reader never sees a tenant summing to anything but 100.
func (r *CampaignRepo) SavePriorities(tenantID string, priorities map[string]int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save priorities: %w", err)
	}
	defer tx.Rollback()

	for id, p := range priorities {
		res, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET priority = $1, updated_at = NOW()
			WHERE id = $2 AND tenant_id = $3
		`, p, id, tenantID)
		if err != nil {
			return fmt.Errorf("update priority for campaign %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
	}
	return tx.Commit()
}
