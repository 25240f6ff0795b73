package main

import (
	"context"
	"fmt"
	"log"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

type admitter interface {
	Admit(tenantID string, leadIDs []string) (map[string][]string, error)
}

type sequencePlanner interface {
	AdmitLead(ctx context.Context, lead domain.Lead, campaign domain.Campaign) (int, error)
}

type leadLoader interface {
	Lead(ctx context.Context, id string) (domain.Lead, error)
}

type campaignLoader interface {
	Get(ctx context.Context, id string) (domain.Campaign, error)
}

type openAttemptLister interface {
	OpenForLead(ctx context.Context, leadID string) ([]domain.DispatchAttempt, error)
}

// tierReadmitter consumes tier-change events from the scorer and re-admits
// upgraded leads through priority slicing, so a lead that climbs a tier
// enters a sequence without waiting for the next batch import.
type tierReadmitter struct {
	alloc     admitter
	engine    sequencePlanner
	leads     leadLoader
	campaigns campaignLoader
	attempts  openAttemptLister
}

func newTierReadmitter(alloc admitter, engine sequencePlanner, leads leadLoader, campaigns campaignLoader, attempts openAttemptLister) *tierReadmitter {
	return &tierReadmitter{
		alloc:     alloc,
		engine:    engine,
		leads:     leads,
		campaigns: campaigns,
		attempts:  attempts,
	}
}

// run drains the tier-change queue until ctx is cancelled.
func (t *tierReadmitter) run(ctx context.Context, changes <-chan domain.TierChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			if err := t.handle(ctx, change); err != nil {
				log.Printf("[Server] Tier-change re-admission for lead %s: %v", change.LeadID, err)
			}
		}
	}
}

// handle re-admits one upgraded lead. Downgrades, suppressed leads, and
// leads already mid-sequence are left alone.
func (t *tierReadmitter) handle(ctx context.Context, change domain.TierChange) error {
	log.Printf("[Server] Lead %s moved %s -> %s (score %d)", change.LeadID, change.OldTier, change.NewTier, change.Score)

	if tierRank(change.NewTier) <= tierRank(change.OldTier) {
		return nil
	}

	lead, err := t.leads.Lead(ctx, change.LeadID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}
	if lead.Suppressed {
		return nil
	}

	open, err := t.attempts.OpenForLead(ctx, lead.ID)
	if err != nil {
		return fmt.Errorf("check open attempts: %w", err)
	}
	if len(open) > 0 {
		// Already mid-sequence; the upgrade affects future admissions only.
		return nil
	}

	assigned, err := t.alloc.Admit(change.TenantID, []string{lead.ID})
	if err != nil {
		return fmt.Errorf("slice lead: %w", err)
	}
	for campaignID, leadIDs := range assigned {
		if len(leadIDs) == 0 {
			continue
		}
		campaign, err := t.campaigns.Get(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("load campaign %s: %w", campaignID, err)
		}
		if _, err := t.engine.AdmitLead(ctx, lead, campaign); err != nil {
			return fmt.Errorf("admit into campaign %s: %w", campaignID, err)
		}
	}
	return nil
}

// tierRank orders tiers for upgrade detection; only movement toward hot
// re-admits.
func tierRank(t domain.Tier) int {
	switch t {
	case domain.TierHot:
		return 4
	case domain.TierWarm:
		return 3
	case domain.TierCool:
		return 2
	case domain.TierCold:
		return 1
	default:
		return 0
	}
}
