package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// fakeRegistry records lookups so tests can assert cache behavior.
type fakeRegistry struct {
	listed  map[string]bool
	lookups int
	err     error
}

func (f *fakeRegistry) Listed(_ context.Context, phone string) (bool, error) {
	f.lookups++
	if f.err != nil {
		return false, f.err
	}
	return f.listed[phone], nil
}

// Tuesday 10:00 local — inside business hours, outside lunch.
var businessHours = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T, reg *fakeRegistry) (*Gate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewGate(config.Default().Compliance, reg, client), mr
}

func TestSuppressedLeadNeverEligible(t *testing.T) {
	gate, _ := newTestGate(t, &fakeRegistry{})

	lead := &domain.Lead{ID: "l1", Suppressed: true, Phone: "+15550001111"}
	for _, ch := range domain.AllChannels {
		ok, reason, err := gate.IsEligible(context.Background(), lead, ch, businessHours)
		if err != nil {
			t.Fatalf("%s: %v", ch, err)
		}
		if ok {
			t.Errorf("%s: suppressed lead must be ineligible", ch)
		}
		if reason != ReasonSuppressed {
			t.Errorf("%s: reason = %s, want %s", ch, reason, ReasonSuppressed)
		}
	}
}

func TestQuietHours(t *testing.T) {
	gate, _ := newTestGate(t, &fakeRegistry{})
	lead := &domain.Lead{ID: "l1", Email: "a@b.co"}

	tests := []struct {
		name string
		hour int
		want bool
	}{
		{"before window", 8, false},
		{"window open", 9, true},
		{"mid-morning", 11, true},
		{"last eligible hour", 16, true},
		{"window close", 17, false},
		{"evening", 19, false},
		{"midnight", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := time.Date(2026, 3, 3, tt.hour, 30, 0, 0, time.UTC)
			ok, reason, err := gate.IsEligible(context.Background(), lead, domain.ChannelEmail, at)
			if err != nil {
				t.Fatal(err)
			}
			if ok != tt.want {
				t.Errorf("hour %d: eligible = %v, want %v (reason %s)", tt.hour, ok, tt.want, reason)
			}
		})
	}
}

func TestSMSAtSevenPMIneligible(t *testing.T) {
	reg := &fakeRegistry{listed: map[string]bool{}}
	gate, _ := newTestGate(t, reg)
	lead := &domain.Lead{ID: "l1", Phone: "+15550001111", Tier: domain.TierHot}

	at := time.Date(2026, 3, 3, 19, 0, 0, 0, time.UTC)
	ok, reason, err := gate.IsEligible(context.Background(), lead, domain.ChannelSMS, at)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("19:00 local SMS must be ineligible regardless of tier")
	}
	if reason != ReasonQuietHours {
		t.Errorf("reason = %s, want %s", reason, ReasonQuietHours)
	}
}

func TestVoiceLunchExclusion(t *testing.T) {
	reg := &fakeRegistry{listed: map[string]bool{}}
	gate, _ := newTestGate(t, reg)
	lead := &domain.Lead{ID: "l1", Phone: "+15550001111"}

	lunch := time.Date(2026, 3, 3, 12, 15, 0, 0, time.UTC)

	ok, reason, _ := gate.IsEligible(context.Background(), lead, domain.ChannelVoice, lunch)
	if ok {
		t.Error("voice at 12:15 must hit the lunch exclusion")
	}
	if reason != ReasonLunchWindow {
		t.Errorf("reason = %s, want %s", reason, ReasonLunchWindow)
	}

	// Email is unaffected by the lunch window.
	ok, _, _ = gate.IsEligible(context.Background(), lead, domain.ChannelEmail, lunch)
	if !ok {
		t.Error("email at 12:15 should be eligible")
	}
}

func TestWeekendAttenuation(t *testing.T) {
	reg := &fakeRegistry{listed: map[string]bool{}}
	gate, _ := newTestGate(t, reg)
	lead := &domain.Lead{ID: "l1", Phone: "+15550001111"}

	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)

	// Defaults allow email and LinkedIn on weekends, not voice/SMS.
	ok, _, _ := gate.IsEligible(context.Background(), lead, domain.ChannelEmail, saturday)
	if !ok {
		t.Error("weekend email should pass")
	}
	ok, reason, _ := gate.IsEligible(context.Background(), lead, domain.ChannelVoice, saturday)
	if ok {
		t.Error("weekend voice should fail")
	}
	if reason != ReasonWeekend {
		t.Errorf("reason = %s, want %s", reason, ReasonWeekend)
	}
}

func TestDNCListingBlocksRegulatedChannels(t *testing.T) {
	reg := &fakeRegistry{listed: map[string]bool{"+15550001111": true}}
	gate, _ := newTestGate(t, reg)
	lead := &domain.Lead{ID: "l1", Phone: "+15550001111", Email: "a@b.co"}

	for _, ch := range []domain.Channel{domain.ChannelVoice, domain.ChannelSMS} {
		ok, reason, err := gate.IsEligible(context.Background(), lead, ch, businessHours)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Errorf("%s: DNC-listed lead must be ineligible", ch)
		}
		if reason != ReasonDNCListed {
			t.Errorf("%s: reason = %s", ch, reason)
		}
	}

	// Unregulated channels never consult the registry.
	before := reg.lookups
	ok, _, err := gate.IsEligible(context.Background(), lead, domain.ChannelEmail, businessHours)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("email should remain eligible for a DNC-listed lead")
	}
	if reg.lookups != before {
		t.Error("email check must not hit the DNC registry")
	}
}

func TestDNCResultCached(t *testing.T) {
	reg := &fakeRegistry{listed: map[string]bool{}}
	gate, mr := newTestGate(t, reg)
	lead := &domain.Lead{ID: "l1", Phone: "+15550002222"}

	for i := 0; i < 5; i++ {
		if _, _, err := gate.IsEligible(context.Background(), lead, domain.ChannelVoice, businessHours); err != nil {
			t.Fatal(err)
		}
	}
	if reg.lookups != 1 {
		t.Errorf("registry lookups = %d, want 1 (cached)", reg.lookups)
	}

	// Expiry forces a re-check.
	mr.FastForward(31 * 24 * time.Hour)
	if _, _, err := gate.IsEligible(context.Background(), lead, domain.ChannelVoice, businessHours); err != nil {
		t.Fatal(err)
	}
	if reg.lookups != 2 {
		t.Errorf("registry lookups = %d, want 2 after cache expiry", reg.lookups)
	}
}

func TestDNCRegistryErrorPropagates(t *testing.T) {
	reg := &fakeRegistry{err: errors.New("registry timeout")}
	gate, _ := newTestGate(t, reg)
	lead := &domain.Lead{ID: "l1", Phone: "+15550003333"}

	_, _, err := gate.IsEligible(context.Background(), lead, domain.ChannelSMS, businessHours)
	if err == nil {
		t.Fatal("expected error when registry is unreachable")
	}
}

func TestMissingPhoneClosesRegulatedChannels(t *testing.T) {
	reg := &fakeRegistry{}
	gate, _ := newTestGate(t, reg)
	lead := &domain.Lead{ID: "l1", Email: "a@b.co"}

	for _, ch := range []domain.Channel{domain.ChannelVoice, domain.ChannelSMS} {
		ok, reason, err := gate.IsEligible(context.Background(), lead, ch, businessHours)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Errorf("%s: lead without a phone must be ineligible", ch)
		}
		// A missing number is a data gap, not a registry listing.
		if reason != ReasonNoPhone {
			t.Errorf("%s: reason = %s, want %s", ch, reason, ReasonNoPhone)
		}
	}
	if reg.lookups != 0 {
		t.Errorf("registry lookups = %d, want 0 for a phoneless lead", reg.lookups)
	}
}

func TestComplianceFlaggedLeadBlockedOnVoiceSMSOnly(t *testing.T) {
	reg := &fakeRegistry{listed: map[string]bool{}}
	gate, _ := newTestGate(t, reg)
	lead := &domain.Lead{ID: "l1", Phone: "+15550004444", ComplianceFlagged: true}

	ok, reason, _ := gate.IsEligible(context.Background(), lead, domain.ChannelSMS, businessHours)
	if ok {
		t.Error("flagged lead must be blocked on SMS")
	}
	if reason != ReasonChannelBlock {
		t.Errorf("reason = %s, want %s", reason, ReasonChannelBlock)
	}

	ok, _, _ = gate.IsEligible(context.Background(), lead, domain.ChannelEmail, businessHours)
	if !ok {
		t.Error("flagged lead stays eligible on email")
	}
}

func TestLocalTime(t *testing.T) {
	utc := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)

	chicago := LocalTime(&domain.Lead{Timezone: "America/Chicago"}, utc)
	if chicago.Hour() != 12 {
		t.Errorf("Chicago hour = %d, want 12", chicago.Hour())
	}

	// Unknown zones fall back to UTC.
	fallback := LocalTime(&domain.Lead{Timezone: "Not/AZone"}, utc)
	if fallback.Hour() != 18 {
		t.Errorf("fallback hour = %d, want 18", fallback.Hour())
	}
}
