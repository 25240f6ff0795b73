// Package api exposes the engine's operational HTTP surface: webhook
// ingestion, campaign priorities, pool capacity, scheduler control, and
// lead scoring.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Keiracom/Agency-OS-sub012/internal/allocator"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
	"github.com/Keiracom/Agency-OS-sub012/internal/pkg/logger"
	"github.com/Keiracom/Agency-OS-sub012/internal/pool"
	"github.com/Keiracom/Agency-OS-sub012/internal/repository/postgres"
	"github.com/Keiracom/Agency-OS-sub012/internal/scheduler"
	"github.com/Keiracom/Agency-OS-sub012/internal/scoring"
)

// Sequencer is the slice of the dispatch engine the API drives.
type Sequencer interface {
	AdmitLead(ctx context.Context, lead domain.Lead, campaign domain.Campaign) (int, error)
	Approve(ctx context.Context, attemptIDs []string) error
	ApplyOutcome(ctx context.Context, a domain.DispatchAttempt, outcome domain.Outcome) error
	Pause()
	Resume()
	Paused() bool
	Stats() map[string]int64
}

// AttemptFinder resolves webhook events back to attempts.
type AttemptFinder interface {
	Get(ctx context.Context, id string) (domain.DispatchAttempt, error)
	ByProviderID(ctx context.Context, providerID string) (domain.DispatchAttempt, error)
}

// LeadReader is the lead persistence the API reads and updates.
type LeadReader interface {
	Lead(ctx context.Context, id string) (domain.Lead, error)
	Create(ctx context.Context, l domain.Lead) error
	UpdateScore(ctx context.Context, leadID string, score int, tier domain.Tier, scoredAt time.Time) error
	UpdateEnrichment(ctx context.Context, leadID string, completeness float64) error
}

// UnitWriter persists newly provisioned resource units.
type UnitWriter interface {
	InsertUnit(ctx context.Context, u domain.ResourceUnit) error
}

// CampaignReader loads campaigns for admission.
type CampaignReader interface {
	Get(ctx context.Context, id string) (domain.Campaign, error)
	Create(ctx context.Context, c domain.Campaign) error
	SetStatus(ctx context.Context, id string, status domain.CampaignStatus) error
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	engine    Sequencer
	allocator *allocator.Allocator
	scorer    *scoring.Scorer
	pool      *pool.Manager
	attempts  AttemptFinder
	leads     LeadReader
	campaigns CampaignReader
	units     UnitWriter
}

// NewHandlers creates a new Handlers instance. units may be nil when unit
// provisioning runs without durable storage.
func NewHandlers(engine Sequencer, alloc *allocator.Allocator, scorer *scoring.Scorer, pool *pool.Manager, attempts AttemptFinder, leads LeadReader, campaigns CampaignReader, units UnitWriter) *Handlers {
	return &Handlers{
		engine:    engine,
		allocator: alloc,
		scorer:    scorer,
		pool:      pool,
		attempts:  attempts,
		leads:     leads,
		campaigns: campaigns,
		units:     units,
	}
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HealthCheck reports process liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// GetStats returns the engine's dispatch counters.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"paused": h.engine.Paused(),
		"counts": stats,
	})
}

// PauseScheduler halts claiming without dropping in-flight work.
func (h *Handlers) PauseScheduler(w http.ResponseWriter, r *http.Request) {
	h.engine.Pause()
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// ResumeScheduler restarts claiming.
func (h *Handlers) ResumeScheduler(w http.ResponseWriter, r *http.Request) {
	h.engine.Resume()
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// GetCapacity returns the pool snapshot for every resource kind.
func (h *Handlers) GetCapacity(w http.ResponseWriter, r *http.Request) {
	kinds := []domain.ResourceKind{domain.KindMailbox, domain.KindPhoneNumber, domain.KindSocialSeat}
	out := make([]domain.PoolCapacity, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, h.pool.Capacity(k))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"pools": out})
}

// GetUnits lists pool units, optionally filtered by kind.
func (h *Handlers) GetUnits(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	units := h.pool.Units()
	if kind != "" {
		filtered := units[:0]
		for _, u := range units {
			if string(u.Kind) == kind {
				filtered = append(filtered, u)
			}
		}
		units = filtered
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"units": units, "count": len(units)})
}

// SetPriority updates one campaign's priority and rebalances the tenant's
// set so it sums to 100 again. Returns the full post-rebalance map.
func (h *Handlers) SetPriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID   string `json:"tenant_id"`
		CampaignID string `json:"campaign_id"`
		Priority   int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.CampaignID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id and campaign_id are required")
		return
	}

	priorities, err := h.allocator.SetPriority(req.TenantID, req.CampaignID, req.Priority)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"priorities": priorities})
}

// Rebalance renormalizes a tenant's campaign priorities without changing
// any single campaign explicitly (used after activation or archival).
func (h *Handlers) Rebalance(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	priorities, err := h.allocator.Rebalance(tenantID)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"priorities": priorities})
}

// ScoreLead recomputes a lead's score from submitted dimension signals and
// persists the result.
func (h *Handlers) ScoreLead(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")

	var req struct {
		DataQuality *float64 `json:"data_quality"`
		Authority   *float64 `json:"authority"`
		CompanyFit  *float64 `json:"company_fit"`
		Timing      *float64 `json:"timing"`
		Risk        *float64 `json:"risk"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lead, err := h.leads.Lead(r.Context(), leadID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			respondError(w, http.StatusNotFound, "lead not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load lead")
		return
	}

	res := h.scorer.Recompute(&lead, scoring.Inputs{
		DataQuality: req.DataQuality,
		Authority:   req.Authority,
		CompanyFit:  req.CompanyFit,
		Timing:      req.Timing,
		Risk:        req.Risk,
	}, scoring.TriggerManual)

	if err := h.leads.UpdateScore(r.Context(), lead.ID, res.Score, res.Tier, *lead.LastScoredAt); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to persist score")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"lead_id":  lead.ID,
		"score":    res.Score,
		"tier":     res.Tier,
		"warnings": res.Warnings,
	})
}

// GetLead returns one lead.
func (h *Handlers) GetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := h.leads.Lead(r.Context(), chi.URLParam(r, "leadID"))
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			respondError(w, http.StatusNotFound, "lead not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load lead")
		return
	}
	respondJSON(w, http.StatusOK, lead)
}

// AdmitLead plans a sequence for a lead under a campaign.
func (h *Handlers) AdmitLead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeadID     string `json:"lead_id"`
		CampaignID string `json:"campaign_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lead, err := h.leads.Lead(r.Context(), req.LeadID)
	if err != nil {
		respondError(w, http.StatusNotFound, "lead not found")
		return
	}
	campaign, err := h.campaigns.Get(r.Context(), req.CampaignID)
	if err != nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}

	n, err := h.engine.AdmitLead(r.Context(), lead, campaign)
	if err != nil {
		if errors.Is(err, domain.ErrComplianceViolation) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"lead_id":     lead.ID,
		"campaign_id": campaign.ID,
		"attempts":    n,
	})
}

// ApproveAttempts promotes parked attempts of an approval-required campaign.
func (h *Handlers) ApproveAttempts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AttemptIDs []string `json:"attempt_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.AttemptIDs) == 0 {
		respondError(w, http.StatusBadRequest, "attempt_ids is required")
		return
	}
	if err := h.engine.Approve(r.Context(), req.AttemptIDs); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"approved": len(req.AttemptIDs)})
}

// CreateCampaign registers a campaign. It starts paused; activation is an
// explicit status change so priorities can be rebalanced first.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string                `json:"tenant_id"`
		Name     string                `json:"name"`
		Priority int                   `json:"priority"`
		Mode     domain.PermissionMode `json:"permission_mode"`
		Steps    []domain.CampaignStep `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "tenant_id and name are required")
		return
	}
	if req.Mode == "" {
		req.Mode = domain.ModeAutomated
	}

	c := domain.Campaign{
		ID:       uuid.NewString(),
		TenantID: req.TenantID,
		Name:     req.Name,
		Priority: req.Priority,
		Mode:     req.Mode,
		Status:   domain.CampaignPaused,
		Steps:    req.Steps,
	}
	if err := h.campaigns.Create(r.Context(), c); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": c.ID})
}

// SetCampaignStatus moves a campaign through its lifecycle.
func (h *Handlers) SetCampaignStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.CampaignStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "campaignID")
	if err := h.campaigns.SetStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			respondError(w, http.StatusNotFound, "campaign not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Status})
}

// IngestEnrichment records an enrichment pass for a lead. When the
// completeness gain crosses the configured trigger delta the lead is
// rescored in the same request, so an enriched lead moves tiers without
// waiting for the decay tick.
func (h *Handlers) IngestEnrichment(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")

	var req struct {
		Completeness float64  `json:"completeness"`
		DataQuality  *float64 `json:"data_quality"`
		Authority    *float64 `json:"authority"`
		CompanyFit   *float64 `json:"company_fit"`
		Timing       *float64 `json:"timing"`
		Risk         *float64 `json:"risk"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Completeness < 0 || req.Completeness > 1 {
		respondError(w, http.StatusBadRequest, "completeness must be in [0,1]")
		return
	}

	lead, err := h.leads.Lead(r.Context(), leadID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			respondError(w, http.StatusNotFound, "lead not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load lead")
		return
	}

	if err := h.leads.UpdateEnrichment(r.Context(), lead.ID, req.Completeness); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to persist enrichment")
		return
	}

	resp := map[string]interface{}{
		"lead_id":      lead.ID,
		"completeness": req.Completeness,
		"rescored":     false,
	}
	if h.scorer.ShouldRescoreOnEnrichment(lead.Completeness, req.Completeness) {
		lead.Completeness = req.Completeness
		in := scoring.Inputs{
			DataQuality: req.DataQuality,
			Authority:   req.Authority,
			CompanyFit:  req.CompanyFit,
			Timing:      req.Timing,
			Risk:        req.Risk,
		}
		if in.DataQuality == nil {
			in.DataQuality = &req.Completeness
		}
		res := h.scorer.Recompute(&lead, in, scoring.TriggerEnrichment)
		if err := h.leads.UpdateScore(r.Context(), lead.ID, res.Score, res.Tier, *lead.LastScoredAt); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to persist score")
			return
		}
		resp["rescored"] = true
		resp["score"] = res.Score
		resp["tier"] = res.Tier
	}
	respondJSON(w, http.StatusOK, resp)
}

// AdmitBatch distributes a batch of scored leads across the tenant's
// campaigns by priority slice and plans a sequence for each assignment.
// lead_ids must arrive sorted by descending score: the largest slice takes
// the head of the list.
func (h *Handlers) AdmitBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string   `json:"tenant_id"`
		LeadIDs  []string `json:"lead_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || len(req.LeadIDs) == 0 {
		respondError(w, http.StatusBadRequest, "tenant_id and lead_ids are required")
		return
	}

	assigned, err := h.allocator.Admit(req.TenantID, req.LeadIDs)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	admitted := make(map[string][]string, len(assigned))
	attempts, skipped := 0, 0
	for campaignID, leadIDs := range assigned {
		if len(leadIDs) == 0 {
			continue
		}
		campaign, err := h.campaigns.Get(r.Context(), campaignID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to load campaign "+campaignID)
			return
		}
		for _, leadID := range leadIDs {
			lead, err := h.leads.Lead(r.Context(), leadID)
			if err != nil {
				logger.Warn("Skipping unknown lead in batch admission", "lead_id", leadID)
				skipped++
				continue
			}
			n, err := h.engine.AdmitLead(r.Context(), lead, campaign)
			if err != nil {
				logger.Error("Batch admission failed for lead",
					"lead_id", leadID, "campaign_id", campaignID, "error", err.Error())
				skipped++
				continue
			}
			admitted[campaignID] = append(admitted[campaignID], leadID)
			attempts += n
		}
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"admitted": admitted,
		"attempts": attempts,
		"skipped":  skipped,
	})
}

// RegisterUnit adds a newly provisioned unit to the shared pool.
func (h *Handlers) RegisterUnit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind       domain.ResourceKind `json:"kind"`
		Identifier string              `json:"identifier"`
		DailyLimit int                 `json:"daily_limit"`
		WarmupDay  int                 `json:"warmup_day"`
		Stage      domain.WarmupStage  `json:"warmup_stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" || req.Identifier == "" {
		respondError(w, http.StatusBadRequest, "kind and identifier are required")
		return
	}

	now := time.Now().UTC()
	unit := h.pool.AddUnit(domain.ResourceUnit{
		Kind:       req.Kind,
		Identifier: req.Identifier,
		DailyLimit: req.DailyLimit,
		WarmupDay:  req.WarmupDay,
		Stage:      req.Stage,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if h.units != nil {
		if err := h.units.InsertUnit(r.Context(), unit); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to persist unit")
			return
		}
	}
	respondJSON(w, http.StatusCreated, unit)
}

// AcquireUnits reserves pool units for a tenant, typically on campaign
// activation. Denials surface as 409 with the buffer arithmetic in the
// message; the provisioning signal has already been raised by then.
func (h *Handlers) AcquireUnits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string              `json:"tenant_id"`
		Kind     domain.ResourceKind `json:"kind"`
		Count    int                 `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.Kind == "" {
		respondError(w, http.StatusBadRequest, "tenant_id and kind are required")
		return
	}

	units, err := h.pool.Acquire(req.TenantID, req.Kind, req.Count)
	if err != nil {
		if errors.Is(err, domain.ErrResourceExhausted) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"units":       units,
		"count":       len(units),
		"assignments": h.pool.AssignmentsFor(req.TenantID),
	})
}

// ReleaseAssignment returns an assignment's unit to the free pool behind
// its churn hold.
func (h *Handlers) ReleaseAssignment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssignmentID string `json:"assignment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AssignmentID == "" {
		respondError(w, http.StatusBadRequest, "assignment_id is required")
		return
	}

	if err := h.pool.Release(req.AssignmentID); err != nil {
		if errors.Is(err, pool.ErrUnknownAssignment) {
			respondError(w, http.StatusNotFound, "assignment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"released": req.AssignmentID})
}

var _ Sequencer = (*scheduler.Engine)(nil)
