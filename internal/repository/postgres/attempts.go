package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// AttemptRepo persists dispatch attempts. ClaimDue uses FOR UPDATE SKIP
// LOCKED so concurrent engine replicas never claim the same attempt.
type AttemptRepo struct{ db *sql.DB }

// NewAttemptRepo creates a Postgres-backed attempt repository.
func NewAttemptRepo(db *sql.DB) *AttemptRepo { return &AttemptRepo{db: db} }

const attemptColumns = `id, lead_id, tenant_id, campaign_id, channel, step_index, day_offset,
	state, attempt_count, scheduled_for, next_retry_at,
	COALESCE(resource_unit_id,''), COALESCE(provider_id,''), COALESCE(reason_code,''),
	created_at, updated_at`

func scanAttempt(row interface{ Scan(...interface{}) error }) (domain.DispatchAttempt, error) {
	var a domain.DispatchAttempt
	err := row.Scan(&a.ID, &a.LeadID, &a.TenantID, &a.CampaignID, &a.Channel, &a.StepIndex,
		&a.DayOffset, &a.State, &a.AttemptCount, &a.ScheduledFor, &a.NextRetryAt,
		&a.ResourceUnitID, &a.ProviderID, &a.ReasonCode, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// InsertAttempts writes a planned sequence in one transaction.
func (r *AttemptRepo) InsertAttempts(ctx context.Context, attempts []domain.DispatchAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert attempts: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatch_attempts (id, lead_id, tenant_id, campaign_id, channel,
		                               step_index, day_offset, state, attempt_count,
		                               scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`)
	if err != nil {
		return fmt.Errorf("prepare insert attempts: %w", err)
	}
	defer stmt.Close()

	for _, a := range attempts {
		if _, err := stmt.ExecContext(ctx, a.ID, a.LeadID, a.TenantID, a.CampaignID,
			a.Channel, a.StepIndex, a.DayOffset, a.State, a.AttemptCount, a.ScheduledFor); err != nil {
			return fmt.Errorf("insert attempt %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// ClaimDue atomically claims up to limit due scheduled attempts for workerID.
// SKIP LOCKED keeps replicas from contending on the same rows, and the
// claimed_at predicate keeps a committed claim from being re-claimed by a
// second worker until it has gone stale (worker crashed mid-dispatch).
func (r *AttemptRepo) ClaimDue(ctx context.Context, workerID string, limit int, now time.Time) ([]domain.DispatchAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id FROM dispatch_attempts
			WHERE state = 'scheduled' AND scheduled_for <= $1
			  AND (claimed_at IS NULL OR claimed_at < $1 - INTERVAL '5 minutes')
			ORDER BY scheduled_for ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE dispatch_attempts da
		SET claimed_by = $3, claimed_at = $1, updated_at = NOW()
		FROM claimed
		WHERE da.id = claimed.id
		RETURNING da.id, da.lead_id, da.tenant_id, da.campaign_id, da.channel,
		          da.step_index, da.day_offset, da.state, da.attempt_count,
		          da.scheduled_for, da.next_retry_at,
		          COALESCE(da.resource_unit_id,''), COALESCE(da.provider_id,''),
		          COALESCE(da.reason_code,''), da.created_at, da.updated_at
	`, now, limit, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim due attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.DispatchAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update writes the engine's view of an attempt back. Any state write
// releases the worker's claim, so rescheduled attempts are immediately
// claimable again.
func (r *AttemptRepo) Update(ctx context.Context, a domain.DispatchAttempt) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		SET state = $1, attempt_count = $2, scheduled_for = $3, next_retry_at = $4,
		    resource_unit_id = NULLIF($5,''), provider_id = NULLIF($6,''),
		    reason_code = NULLIF($7,''), claimed_by = NULL, claimed_at = NULL,
		    updated_at = NOW()
		WHERE id = $8
	`, a.State, a.AttemptCount, a.ScheduledFor, a.NextRetryAt,
		a.ResourceUnitID, a.ProviderID, a.ReasonCode, a.ID)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// Get fetches one attempt by ID.
func (r *AttemptRepo) Get(ctx context.Context, id string) (domain.DispatchAttempt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM dispatch_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return domain.DispatchAttempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.DispatchAttempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// ByProviderID resolves the attempt a webhook event refers to.
func (r *AttemptRepo) ByProviderID(ctx context.Context, providerID string) (domain.DispatchAttempt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM dispatch_attempts WHERE provider_id = $1`, providerID)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return domain.DispatchAttempt{}, fmt.Errorf("provider id %s: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return domain.DispatchAttempt{}, fmt.Errorf("get attempt by provider id: %w", err)
	}
	return a, nil
}

// PriorStepsSettled reports whether every lower-index attempt of the
// lead's sequence is terminal.
func (r *AttemptRepo) PriorStepsSettled(ctx context.Context, leadID, campaignID string, stepIndex int) (bool, error) {
	var open int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dispatch_attempts
		WHERE lead_id = $1 AND campaign_id = $2 AND step_index < $3
		  AND state NOT IN ('delivered', 'bounced', 'replied', 'failed', 'suppressed')
	`, leadID, campaignID, stepIndex).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("count prior open steps: %w", err)
	}
	return open == 0, nil
}

// OpenForLead returns the lead's non-terminal, not-in-flight attempts.
func (r *AttemptRepo) OpenForLead(ctx context.Context, leadID string) ([]domain.DispatchAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM dispatch_attempts
		WHERE lead_id = $1 AND state IN ('eligible', 'scheduled')
		ORDER BY step_index ASC
	`, leadID)
	if err != nil {
		return nil, fmt.Errorf("open attempts for lead: %w", err)
	}
	defer rows.Close()

	var out []domain.DispatchAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Promote moves parked eligible attempts into the scheduled queue.
func (r *AttemptRepo) Promote(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		SET state = 'scheduled', updated_at = NOW()
		WHERE id = ANY($1) AND state = 'eligible'
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("promote attempts: %w", err)
	}
	return nil
}
