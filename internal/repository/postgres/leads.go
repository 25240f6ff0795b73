// Package postgres implements the engine's persistence against PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// LeadRepo is the Postgres lead store.
type LeadRepo struct{ db *sql.DB }

// NewLeadRepo creates a Postgres-backed lead repository.
func NewLeadRepo(db *sql.DB) *LeadRepo { return &LeadRepo{db: db} }

const leadColumns = `
	id, tenant_id, email, COALESCE(phone,''), COALESCE(company,''), COALESCE(title,''),
	COALESCE(timezone,''), enrichment_completeness, score, tier, last_scored_at,
	suppressed, COALESCE(suppressed_reason,''), suppressed_at, compliance_flagged,
	created_at, updated_at`

func scanLead(row interface{ Scan(...interface{}) error }) (domain.Lead, error) {
	var l domain.Lead
	err := row.Scan(
		&l.ID, &l.TenantID, &l.Email, &l.Phone, &l.Company, &l.Title,
		&l.Timezone, &l.Completeness, &l.Score, &l.Tier, &l.LastScoredAt,
		&l.Suppressed, &l.SuppressedReason, &l.SuppressedAt, &l.ComplianceFlagged,
		&l.CreatedAt, &l.UpdatedAt,
	)
	return l, err
}

// Lead fetches one lead by ID.
func (r *LeadRepo) Lead(ctx context.Context, id string) (domain.Lead, error) {
	l, err := scanLead(r.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return domain.Lead{}, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("get lead: %w", err)
	}
	return l, nil
}

// Create inserts a new lead.
func (r *LeadRepo) Create(ctx context.Context, l domain.Lead) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leads (id, tenant_id, email, phone, company, title, timezone,
		                   enrichment_completeness, score, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, l.ID, l.TenantID, l.Email, l.Phone, l.Company, l.Title, l.Timezone,
		l.Completeness, l.Score, l.Tier)
	if err != nil {
		return fmt.Errorf("create lead: %w", err)
	}
	return nil
}

// UpdateScore persists a recompute result.
func (r *LeadRepo) UpdateScore(ctx context.Context, leadID string, score int, tier domain.Tier, scoredAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE leads
		SET score = $1, tier = $2, last_scored_at = $3, updated_at = NOW()
		WHERE id = $4
	`, score, tier, scoredAt, leadID)
	if err != nil {
		return fmt.Errorf("update lead score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lead %s: %w", leadID, ErrNotFound)
	}
	return nil
}

// UpdateEnrichment stores a new completeness fraction after an enrichment
// pass.
func (r *LeadRepo) UpdateEnrichment(ctx context.Context, leadID string, completeness float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads SET enrichment_completeness = $1, updated_at = NOW() WHERE id = $2
	`, completeness, leadID)
	if err != nil {
		return fmt.Errorf("update lead enrichment: %w", err)
	}
	return nil
}

// Suppress removes the lead from all outreach.
func (r *LeadRepo) Suppress(ctx context.Context, leadID string, reason domain.SuppressionReason, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads
		SET suppressed = TRUE, suppressed_reason = $1, suppressed_at = $2, updated_at = NOW()
		WHERE id = $3 AND suppressed = FALSE
	`, reason, at, leadID)
	if err != nil {
		return fmt.Errorf("suppress lead: %w", err)
	}
	return nil
}

// SetComplianceFlag marks or clears a lead's regulated-channel block.
func (r *LeadRepo) SetComplianceFlag(ctx context.Context, leadID string, flagged bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads SET compliance_flagged = $1, updated_at = NOW() WHERE id = $2
	`, flagged, leadID)
	if err != nil {
		return fmt.Errorf("set compliance flag: %w", err)
	}
	return nil
}

// DueForDecay lists contactable leads whose last score predates the decay
// window, for the periodic rescore tick.
func (r *LeadRepo) DueForDecay(ctx context.Context, olderThan time.Time, limit int) ([]domain.Lead, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE suppressed = FALSE
		  AND (last_scored_at IS NULL OR last_scored_at < $1)
		ORDER BY last_scored_at ASC NULLS FIRST
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list decay-due leads: %w", err)
	}
	defer rows.Close()

	var out []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ByEmail resolves a lead by address within a tenant, for webhook routing.
func (r *LeadRepo) ByEmail(ctx context.Context, tenantID, email string) (domain.Lead, error) {
	l, err := scanLead(r.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE tenant_id = $1 AND email = $2`, tenantID, email))
	if err == sql.ErrNoRows {
		return domain.Lead{}, ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("get lead by email: %w", err)
	}
	return l, nil
}
