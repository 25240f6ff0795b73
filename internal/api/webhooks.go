package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
	"github.com/Keiracom/Agency-OS-sub012/internal/pkg/logger"
	"github.com/Keiracom/Agency-OS-sub012/internal/repository/postgres"
)

// HandleWebhook ingests a batch of normalized provider events. Each event
// is resolved back to its attempt (by provider_id, falling back to
// attempt_id) and applied through the engine, which updates attempt state,
// unit health, and lead suppression in one place.
//
// Processing is best-effort per event: a malformed or unresolvable event is
// counted and skipped, never failing the batch, because providers retry
// whole payloads on non-2xx.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Limit webhook payload to 5MB to prevent OOM
	r.Body = http.MaxBytesReader(w, r.Body, 5*1024*1024)

	var events []struct {
		AttemptID  string           `json:"attempt_id"`
		ProviderID string           `json:"provider_id"`
		LeadID     string           `json:"lead_id"`
		Channel    domain.Channel   `json:"channel"`
		EventType  domain.EventType `json:"event_type"`
		Timestamp  time.Time        `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	applied, skipped := 0, 0
	for _, ev := range events {
		outcome := domain.OutcomeForEvent(ev.EventType)
		if outcome == "" {
			logger.Warn("Dropping unknown webhook event type",
				"event_type", string(ev.EventType), "lead_id", ev.LeadID)
			skipped++
			continue
		}

		var (
			attempt domain.DispatchAttempt
			err     error
		)
		switch {
		case ev.ProviderID != "":
			attempt, err = h.attempts.ByProviderID(ctx, ev.ProviderID)
		case ev.AttemptID != "":
			attempt, err = h.attempts.Get(ctx, ev.AttemptID)
		default:
			err = postgres.ErrNotFound
		}
		if err != nil {
			if !errors.Is(err, postgres.ErrNotFound) {
				logger.Error("Webhook attempt lookup failed", "provider_id", ev.ProviderID, "error", err.Error())
			}
			skipped++
			continue
		}

		if attempt.IsTerminal() {
			// Providers resend events; terminal attempts are immutable.
			skipped++
			continue
		}

		if err := h.engine.ApplyOutcome(ctx, attempt, outcome); err != nil {
			logger.Error("Failed to apply webhook outcome",
				"attempt_id", attempt.ID, "outcome", string(outcome), "error", err.Error())
			skipped++
			continue
		}
		if outcome == domain.OutcomeReplied {
			h.rescoreOnReply(ctx, attempt.LeadID)
		}
		applied++
	}

	log.Printf("[Webhook] Processed %d events (%d applied, %d skipped)", len(events), applied, skipped)
	respondJSON(w, http.StatusOK, map[string]int{"received": len(events), "applied": applied, "skipped": skipped})
}

// rescoreOnReply feeds an inbound reply back into the scorer and persists
// the result. Best-effort: the outcome is already applied, so failures only
// log.
func (h *Handlers) rescoreOnReply(ctx context.Context, leadID string) {
	lead, err := h.leads.Lead(ctx, leadID)
	if err != nil {
		logger.Warn("Failed to load lead for reply rescore", "lead_id", leadID, "error", err.Error())
		return
	}
	res := h.scorer.RescoreOnReply(&lead)
	if err := h.leads.UpdateScore(ctx, lead.ID, res.Score, res.Tier, *lead.LastScoredAt); err != nil {
		logger.Warn("Failed to persist reply rescore", "lead_id", leadID, "error", err.Error())
	}
}
