package main

import (
	"context"
	"testing"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

type fakeAdmitter struct {
	assigned map[string][]string
	calls    int
}

func (f *fakeAdmitter) Admit(tenantID string, leadIDs []string) (map[string][]string, error) {
	f.calls++
	return f.assigned, nil
}

type fakePlanner struct {
	admitted []string // campaign IDs
}

func (f *fakePlanner) AdmitLead(_ context.Context, lead domain.Lead, campaign domain.Campaign) (int, error) {
	f.admitted = append(f.admitted, campaign.ID)
	return len(campaign.Steps), nil
}

type fakeLeadLoader struct{ lead domain.Lead }

func (f *fakeLeadLoader) Lead(context.Context, string) (domain.Lead, error) { return f.lead, nil }

type fakeCampaignLoader struct{}

func (fakeCampaignLoader) Get(_ context.Context, id string) (domain.Campaign, error) {
	return domain.Campaign{ID: id, TenantID: "tenant-1", Status: domain.CampaignActive,
		Steps: []domain.CampaignStep{{Channel: domain.ChannelEmail}}}, nil
}

type fakeOpenLister struct{ open []domain.DispatchAttempt }

func (f *fakeOpenLister) OpenForLead(context.Context, string) ([]domain.DispatchAttempt, error) {
	return f.open, nil
}

func upgradeFixture(lead domain.Lead, open []domain.DispatchAttempt) (*tierReadmitter, *fakeAdmitter, *fakePlanner) {
	alloc := &fakeAdmitter{assigned: map[string][]string{"camp-1": {lead.ID}}}
	planner := &fakePlanner{}
	r := newTierReadmitter(alloc, planner, &fakeLeadLoader{lead: lead}, fakeCampaignLoader{}, &fakeOpenLister{open: open})
	return r, alloc, planner
}

func TestTierUpgradeReadmitsThroughSlicing(t *testing.T) {
	lead := domain.Lead{ID: "lead-1", TenantID: "tenant-1", Tier: domain.TierWarm, Score: 72}
	r, alloc, planner := upgradeFixture(lead, nil)

	change := domain.TierChange{LeadID: "lead-1", TenantID: "tenant-1",
		OldTier: domain.TierCool, NewTier: domain.TierWarm, Score: 72}
	if err := r.handle(context.Background(), change); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	if alloc.calls != 1 {
		t.Errorf("allocator Admit calls = %d, want 1", alloc.calls)
	}
	if len(planner.admitted) != 1 || planner.admitted[0] != "camp-1" {
		t.Errorf("admitted campaigns = %v, want [camp-1]", planner.admitted)
	}
}

func TestTierDowngradeIgnored(t *testing.T) {
	lead := domain.Lead{ID: "lead-1", TenantID: "tenant-1", Tier: domain.TierCool}
	r, alloc, planner := upgradeFixture(lead, nil)

	change := domain.TierChange{LeadID: "lead-1", TenantID: "tenant-1",
		OldTier: domain.TierWarm, NewTier: domain.TierCool}
	if err := r.handle(context.Background(), change); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	if alloc.calls != 0 || len(planner.admitted) != 0 {
		t.Error("downgrade must not re-admit")
	}
}

func TestSuppressedLeadNotReadmitted(t *testing.T) {
	lead := domain.Lead{ID: "lead-1", TenantID: "tenant-1", Tier: domain.TierHot, Suppressed: true}
	r, alloc, _ := upgradeFixture(lead, nil)

	change := domain.TierChange{LeadID: "lead-1", TenantID: "tenant-1",
		OldTier: domain.TierWarm, NewTier: domain.TierHot}
	if err := r.handle(context.Background(), change); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	if alloc.calls != 0 {
		t.Error("suppressed lead must not be re-admitted")
	}
}

func TestMidSequenceLeadNotReadmitted(t *testing.T) {
	lead := domain.Lead{ID: "lead-1", TenantID: "tenant-1", Tier: domain.TierHot}
	open := []domain.DispatchAttempt{{ID: "a-1", State: domain.AttemptScheduled}}
	r, alloc, _ := upgradeFixture(lead, open)

	change := domain.TierChange{LeadID: "lead-1", TenantID: "tenant-1",
		OldTier: domain.TierWarm, NewTier: domain.TierHot}
	if err := r.handle(context.Background(), change); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	if alloc.calls != 0 {
		t.Error("lead with open attempts must not be re-admitted")
	}
}
