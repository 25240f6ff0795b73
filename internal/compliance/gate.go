// Package compliance implements the eligibility gate every dispatch attempt
// must pass: suppression flags, do-not-contact registry status for regulated
// channels, quiet hours in the recipient's local timezone, and weekend
// attenuation. A single failing condition makes the whole check ineligible.
package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// Reason codes surfaced in logs and attempt records.
const (
	ReasonSuppressed   = "lead_suppressed"
	ReasonDNCListed    = "dnc_listed"
	ReasonNoPhone      = "no_phone"
	ReasonQuietHours   = "quiet_hours"
	ReasonLunchWindow  = "voice_lunch_window"
	ReasonWeekend      = "weekend_attenuation"
	ReasonChannelBlock = "channel_compliance_flag"
)

// DNCRegistry is the external do-not-contact registry lookup. Lookups are
// slow and rate-limited upstream, which is why results are cached.
type DNCRegistry interface {
	Listed(ctx context.Context, phone string) (bool, error)
}

// Gate evaluates compliance eligibility. It is stateless apart from the
// Redis-backed DNC cache; with a nil Redis client every regulated-channel
// check falls through to the registry.
type Gate struct {
	cfg      config.ComplianceConfig
	registry DNCRegistry
	cache    *redis.Client
}

// NewGate creates a compliance gate. registry is required for voice/SMS
// eligibility; cache may be nil.
func NewGate(cfg config.ComplianceConfig, registry DNCRegistry, cache *redis.Client) *Gate {
	return &Gate{cfg: cfg, registry: registry, cache: cache}
}

// IsEligible reports whether the lead may be contacted on the channel at
// localNow, which must already be in the recipient's timezone. The reason
// identifies the first failing condition; eligible checks return "".
func (g *Gate) IsEligible(ctx context.Context, lead *domain.Lead, channel domain.Channel, localNow time.Time) (bool, string, error) {
	// (a) Permanent suppression and opt-out flags.
	if lead.Suppressed {
		return false, ReasonSuppressed, nil
	}
	if domain.RegulatedChannel(channel) && lead.ComplianceFlagged {
		return false, ReasonChannelBlock, nil
	}

	// (b) DNC registry for voice/SMS, cached with forced re-check on expiry.
	// A phoneless lead is closed to regulated channels, but that is a data
	// gap, not a registry hit.
	if domain.RegulatedChannel(channel) {
		if lead.Phone == "" {
			return false, ReasonNoPhone, nil
		}
		listed, err := g.dncListed(ctx, lead.Phone)
		if err != nil {
			return false, "", fmt.Errorf("dnc lookup for lead %s: %w", lead.ID, err)
		}
		if listed {
			return false, ReasonDNCListed, nil
		}
	}

	// (c) Quiet hours in the recipient's local time.
	hour := localNow.Hour()
	if hour < g.cfg.QuietHoursStart || hour >= g.cfg.QuietHoursEnd {
		return false, ReasonQuietHours, nil
	}
	if channel == domain.ChannelVoice &&
		hour >= g.cfg.VoiceLunchStart && hour < g.cfg.VoiceLunchEnd {
		return false, ReasonLunchWindow, nil
	}

	// (d) Weekend attenuation, channel-dependent.
	if wd := localNow.Weekday(); wd == time.Saturday || wd == time.Sunday {
		if !g.weekendAllowed(channel) {
			return false, ReasonWeekend, nil
		}
	}

	return true, "", nil
}

// LocalTime converts t to the lead's timezone. Unknown or empty timezones
// fall back to UTC, the conservative choice for quiet-hours math.
func LocalTime(lead *domain.Lead, t time.Time) time.Time {
	if lead.Timezone == "" {
		return t.UTC()
	}
	loc, err := time.LoadLocation(lead.Timezone)
	if err != nil {
		return t.UTC()
	}
	return t.In(loc)
}

func (g *Gate) weekendAllowed(channel domain.Channel) bool {
	for _, ch := range g.cfg.WeekendChannels {
		if ch == channel {
			return true
		}
	}
	return false
}

// dncListed answers from the cache when fresh, otherwise hits the registry
// and caches the result for the configured expiry window. Cache values are
// "1" (listed) and "0" (clear).
func (g *Gate) dncListed(ctx context.Context, phone string) (bool, error) {
	key := "compliance:dnc:" + phone
	if g.cache != nil {
		val, err := g.cache.Get(ctx, key).Result()
		if err == nil {
			return val == "1", nil
		}
		if err != redis.Nil {
			// Cache trouble is not a compliance answer; fall through to
			// the registry rather than guessing.
			return g.refresh(ctx, key, phone)
		}
	}
	return g.refresh(ctx, key, phone)
}

func (g *Gate) refresh(ctx context.Context, key, phone string) (bool, error) {
	listed, err := g.registry.Listed(ctx, phone)
	if err != nil {
		return false, err
	}
	if g.cache != nil {
		val := "0"
		if listed {
			val = "1"
		}
		g.cache.Set(ctx, key, val, g.cfg.DNCCacheTTL())
	}
	return listed, nil
}
