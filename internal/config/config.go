package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// Config holds all versioned configuration for the engine. Every threshold
// the core logic needs lives here so components can be constructed with
// fixed config in tests.
type Config struct {
	Version    string           `yaml:"version"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	AMQP       AMQPConfig       `yaml:"amqp"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Tiers      []TierThreshold  `yaml:"tiers"`
	Channels   ChannelMatrix    `yaml:"channels"`
	Allocator  AllocatorConfig  `yaml:"allocator"`
	Pool       PoolConfig       `yaml:"pool"`
	Warmup     WarmupConfig     `yaml:"warmup"`
	Health     HealthConfig     `yaml:"health"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Retry      RetryConfig      `yaml:"retry"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for counters, caches and locks.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// AMQPConfig holds the broker settings for dispatch queues and inbound events.
type AMQPConfig struct {
	URL           string `yaml:"url"`
	Enabled       bool   `yaml:"enabled"`
	DispatchQueue string `yaml:"dispatch_queue"` // prefix; channel name is appended
	EventQueue    string `yaml:"event_queue"`
	SignalQueue   string `yaml:"signal_queue"`
}

// ScoringConfig holds the ALS dimension weights and recompute triggers.
// Weights must sum to 100 counting risk, which is subtracted.
type ScoringConfig struct {
	DataQualityWeight int `yaml:"data_quality_weight"`
	AuthorityWeight   int `yaml:"authority_weight"`
	CompanyFitWeight  int `yaml:"company_fit_weight"`
	TimingWeight      int `yaml:"timing_weight"`
	RiskWeight        int `yaml:"risk_weight"`

	// EnrichmentTriggerDelta is the minimum completeness increase that
	// triggers a rescore.
	EnrichmentTriggerDelta float64 `yaml:"enrichment_trigger_delta"`
	DecayTickHours         int     `yaml:"decay_tick_hours"`
}

// TierThreshold maps a minimum score to a tier. Thresholds are kept sorted
// descending by Min; the first match wins.
type TierThreshold struct {
	Tier domain.Tier `yaml:"tier"`
	Min  int         `yaml:"min"`
}

// ChannelMatrix is the explicit per-tier channel allow-list. Lower tiers
// must be strict subsets of higher ones; Validate enforces that.
type ChannelMatrix map[domain.Tier][]domain.Channel

// AllocatorConfig bounds per-campaign priority percentages.
type AllocatorConfig struct {
	MinPriority int `yaml:"min_priority"`
	MaxPriority int `yaml:"max_priority"`
}

// PoolConfig governs the shared resource pool.
type PoolConfig struct {
	BufferPercent int `yaml:"buffer_percent"`  // free units kept in reserve, per kind
	ChurnHoldDays int `yaml:"churn_hold_days"` // quarantine after release
}

// ChurnHold returns the churn-hold window as a duration.
func (c PoolConfig) ChurnHold() time.Duration {
	return time.Duration(c.ChurnHoldDays) * 24 * time.Hour
}

// WarmupStep maps a warmup day to its planned daily volume.
type WarmupStep struct {
	Day    int `yaml:"day"`
	Volume int `yaml:"volume"`
}

// WarmupConfig holds the ramp schedule and graduation limit per kind.
type WarmupConfig struct {
	Schedule       map[domain.ResourceKind][]WarmupStep `yaml:"schedule"`
	GraduatedLimit map[domain.ResourceKind]int          `yaml:"graduated_limit"`
}

// HealthConfig holds reputation thresholds that downgrade a unit.
type HealthConfig struct {
	BounceWarning      float64 `yaml:"bounce_warning"`
	BounceCritical     float64 `yaml:"bounce_critical"`
	ComplaintWarning   float64 `yaml:"complaint_warning"`
	ComplaintCritical  float64 `yaml:"complaint_critical"`
	FailureQuarantine  float64 `yaml:"failure_quarantine"`
	MinSampleSize      int     `yaml:"min_sample_size"`
	WindowHours        int     `yaml:"window_hours"`
	RecoveryProbeHours int     `yaml:"recovery_probe_hours"`
}

// ComplianceConfig holds quiet-hours windows and DNC cache settings.
type ComplianceConfig struct {
	QuietHoursStart int  `yaml:"quiet_hours_start"` // recipient-local hour, inclusive
	QuietHoursEnd   int  `yaml:"quiet_hours_end"`   // exclusive
	VoiceLunchStart int  `yaml:"voice_lunch_start"`
	VoiceLunchEnd   int  `yaml:"voice_lunch_end"`
	DNCCacheTTLDays int  `yaml:"dnc_cache_ttl_days"`

	// DNCRegistryURL is the external do-not-contact lookup service. Empty
	// disables registry checks (regulated channels then rely on the
	// per-lead compliance flag alone).
	DNCRegistryURL string `yaml:"dnc_registry_url"`

	// WeekendChannels lists channels allowed to dispatch on Saturday/Sunday.
	WeekendChannels []domain.Channel `yaml:"weekend_channels"`
}

// DNCCacheTTL returns the do-not-contact cache expiry window.
func (c ComplianceConfig) DNCCacheTTL() time.Duration {
	return time.Duration(c.DNCCacheTTLDays) * 24 * time.Hour
}

// RetryRule fixes the delay applied to one transient outcome on a channel.
type RetryRule struct {
	Outcome      domain.Outcome `yaml:"outcome"`
	DelayMinutes int            `yaml:"delay_minutes"`
}

// ChannelRetry is the retry/backoff table for one channel.
type ChannelRetry struct {
	MaxAttempts       int         `yaml:"max_attempts"`
	BackoffMultiplier float64     `yaml:"backoff_multiplier"` // applied per extra attempt; 1.0 = fixed delay
	Rules             []RetryRule `yaml:"rules"`
}

// RetryConfig maps channels to their retry tables.
type RetryConfig map[domain.Channel]ChannelRetry

// SchedulerConfig governs the dispatch worker pool.
type SchedulerConfig struct {
	Workers              int `yaml:"workers"`
	BatchSize            int `yaml:"batch_size"`
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	ExhaustionDeferMins  int `yaml:"exhaustion_defer_minutes"`
	ExhaustionAlertHours int `yaml:"exhaustion_alert_hours"`
}

// PollInterval returns the claim-loop poll interval as a duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// TierFor resolves a score to its tier using the configured thresholds.
func (c *Config) TierFor(score int) domain.Tier {
	for _, t := range c.Tiers {
		if score >= t.Min {
			return t.Tier
		}
	}
	if len(c.Tiers) == 0 {
		return domain.TierDead
	}
	return c.Tiers[len(c.Tiers)-1].Tier
}

// Validate checks cross-field invariants that Load's defaults cannot fix.
func (c *Config) Validate() error {
	total := c.Scoring.DataQualityWeight + c.Scoring.AuthorityWeight +
		c.Scoring.CompanyFitWeight + c.Scoring.TimingWeight + c.Scoring.RiskWeight
	if total != 100 {
		return fmt.Errorf("scoring weights must sum to 100, got %d", total)
	}
	if c.Allocator.MinPriority < 0 || c.Allocator.MaxPriority > 100 ||
		c.Allocator.MinPriority >= c.Allocator.MaxPriority {
		return fmt.Errorf("invalid priority bounds [%d, %d]", c.Allocator.MinPriority, c.Allocator.MaxPriority)
	}
	if c.Pool.BufferPercent < 0 || c.Pool.BufferPercent > 90 {
		return fmt.Errorf("buffer percent %d out of range", c.Pool.BufferPercent)
	}
	for kind, steps := range c.Warmup.Schedule {
		prev := 0
		for _, s := range steps {
			if s.Volume < prev {
				return fmt.Errorf("warmup schedule for %s decreases at day %d", kind, s.Day)
			}
			prev = s.Volume
		}
	}
	// Lower tiers must never get a channel a higher tier lacks.
	order := []domain.Tier{domain.TierHot, domain.TierWarm, domain.TierCool, domain.TierCold, domain.TierDead}
	for i := 1; i < len(order); i++ {
		higher := channelSet(c.Channels[order[i-1]])
		for _, ch := range c.Channels[order[i]] {
			if !higher[ch] {
				return fmt.Errorf("tier %s allows channel %s that tier %s does not", order[i], ch, order[i-1])
			}
		}
	}
	return nil
}

func channelSet(chs []domain.Channel) map[domain.Channel]bool {
	m := make(map[domain.Channel]bool, len(chs))
	for _, ch := range chs {
		m[ch] = true
	}
	return m
}

// Load reads and parses the configuration file, filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration, used when no file is given
// and as the baseline for tests.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = "1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.AMQP.DispatchQueue == "" {
		cfg.AMQP.DispatchQueue = "outreach.dispatch"
	}
	if cfg.AMQP.EventQueue == "" {
		cfg.AMQP.EventQueue = "outreach.events"
	}
	if cfg.AMQP.SignalQueue == "" {
		cfg.AMQP.SignalQueue = "outreach.provisioning"
	}

	if cfg.Scoring.DataQualityWeight == 0 && cfg.Scoring.AuthorityWeight == 0 {
		cfg.Scoring.DataQualityWeight = 20
		cfg.Scoring.AuthorityWeight = 25
		cfg.Scoring.CompanyFitWeight = 25
		cfg.Scoring.TimingWeight = 15
		cfg.Scoring.RiskWeight = 15
	}
	if cfg.Scoring.EnrichmentTriggerDelta == 0 {
		cfg.Scoring.EnrichmentTriggerDelta = 0.10
	}
	if cfg.Scoring.DecayTickHours == 0 {
		cfg.Scoring.DecayTickHours = 24 * 7
	}

	if len(cfg.Tiers) == 0 {
		cfg.Tiers = []TierThreshold{
			{Tier: domain.TierHot, Min: 85},
			{Tier: domain.TierWarm, Min: 60},
			{Tier: domain.TierCool, Min: 40},
			{Tier: domain.TierCold, Min: 20},
			{Tier: domain.TierDead, Min: 0},
		}
	}
	sort.Slice(cfg.Tiers, func(i, j int) bool { return cfg.Tiers[i].Min > cfg.Tiers[j].Min })

	if len(cfg.Channels) == 0 {
		cfg.Channels = ChannelMatrix{
			domain.TierHot:  {domain.ChannelEmail, domain.ChannelLinkedIn, domain.ChannelVoice, domain.ChannelSMS, domain.ChannelMail},
			domain.TierWarm: {domain.ChannelEmail, domain.ChannelLinkedIn, domain.ChannelVoice},
			domain.TierCool: {domain.ChannelEmail, domain.ChannelLinkedIn},
			domain.TierCold: {domain.ChannelEmail},
			domain.TierDead: {},
		}
	}

	if cfg.Allocator.MinPriority == 0 {
		cfg.Allocator.MinPriority = 10
	}
	if cfg.Allocator.MaxPriority == 0 {
		cfg.Allocator.MaxPriority = 80
	}

	if cfg.Pool.BufferPercent == 0 {
		cfg.Pool.BufferPercent = 20
	}
	if cfg.Pool.ChurnHoldDays == 0 {
		cfg.Pool.ChurnHoldDays = 30
	}

	if len(cfg.Warmup.Schedule) == 0 {
		cfg.Warmup.Schedule = map[domain.ResourceKind][]WarmupStep{
			domain.KindMailbox: {
				{1, 10}, {3, 20}, {5, 30}, {8, 50}, {11, 75},
				{15, 100}, {19, 150}, {23, 200}, {27, 300}, {30, 400},
			},
			domain.KindPhoneNumber: {
				{1, 10}, {5, 20}, {10, 40}, {15, 60}, {20, 80}, {30, 100},
			},
			domain.KindSocialSeat: {
				{1, 5}, {7, 10}, {14, 20}, {21, 40}, {30, 60},
			},
		}
	}
	if len(cfg.Warmup.GraduatedLimit) == 0 {
		cfg.Warmup.GraduatedLimit = map[domain.ResourceKind]int{
			domain.KindMailbox:     500,
			domain.KindPhoneNumber: 120,
			domain.KindSocialSeat:  80,
		}
	}

	if cfg.Health.BounceWarning == 0 {
		cfg.Health.BounceWarning = 0.02
	}
	if cfg.Health.BounceCritical == 0 {
		cfg.Health.BounceCritical = 0.05
	}
	if cfg.Health.ComplaintWarning == 0 {
		cfg.Health.ComplaintWarning = 0.001
	}
	if cfg.Health.ComplaintCritical == 0 {
		cfg.Health.ComplaintCritical = 0.003
	}
	if cfg.Health.FailureQuarantine == 0 {
		cfg.Health.FailureQuarantine = 0.25
	}
	if cfg.Health.MinSampleSize == 0 {
		cfg.Health.MinSampleSize = 20
	}
	if cfg.Health.WindowHours == 0 {
		cfg.Health.WindowHours = 24
	}
	if cfg.Health.RecoveryProbeHours == 0 {
		cfg.Health.RecoveryProbeHours = 48
	}

	if cfg.Compliance.QuietHoursStart == 0 {
		cfg.Compliance.QuietHoursStart = 9
	}
	if cfg.Compliance.QuietHoursEnd == 0 {
		cfg.Compliance.QuietHoursEnd = 17
	}
	if cfg.Compliance.VoiceLunchStart == 0 {
		cfg.Compliance.VoiceLunchStart = 12
	}
	if cfg.Compliance.VoiceLunchEnd == 0 {
		cfg.Compliance.VoiceLunchEnd = 13
	}
	if cfg.Compliance.DNCCacheTTLDays == 0 {
		cfg.Compliance.DNCCacheTTLDays = 30
	}
	if cfg.Compliance.WeekendChannels == nil {
		cfg.Compliance.WeekendChannels = []domain.Channel{domain.ChannelEmail, domain.ChannelLinkedIn}
	}

	if len(cfg.Retry) == 0 {
		cfg.Retry = RetryConfig{
			domain.ChannelEmail: {
				MaxAttempts:       3,
				BackoffMultiplier: 2.0,
				Rules: []RetryRule{
					{Outcome: domain.OutcomeSoftBounce, DelayMinutes: 240},
					{Outcome: domain.OutcomeRateLimited, DelayMinutes: 60},
				},
			},
			domain.ChannelVoice: {
				MaxAttempts:       2,
				BackoffMultiplier: 1.0,
				Rules: []RetryRule{
					{Outcome: domain.OutcomeBusy, DelayMinutes: 120},
					{Outcome: domain.OutcomeNoAnswer, DelayMinutes: 24 * 60},
				},
			},
			domain.ChannelSMS: {
				MaxAttempts:       2,
				BackoffMultiplier: 2.0,
				Rules: []RetryRule{
					{Outcome: domain.OutcomeRateLimited, DelayMinutes: 30},
				},
			},
			domain.ChannelLinkedIn: {
				MaxAttempts:       2,
				BackoffMultiplier: 1.0,
				Rules: []RetryRule{
					{Outcome: domain.OutcomeRateLimited, DelayMinutes: 12 * 60},
				},
			},
			domain.ChannelMail: {
				MaxAttempts: 1,
			},
		}
	}

	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 10
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 50
	}
	if cfg.Scheduler.PollIntervalSeconds == 0 {
		cfg.Scheduler.PollIntervalSeconds = 5
	}
	if cfg.Scheduler.ExhaustionDeferMins == 0 {
		cfg.Scheduler.ExhaustionDeferMins = 15
	}
	if cfg.Scheduler.ExhaustionAlertHours == 0 {
		cfg.Scheduler.ExhaustionAlertHours = 4
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is read first if present, so secrets can live in .env locally
// and in real env vars on the container platform.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	var err error
	if path != "" {
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = Default()
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
		cfg.Redis.Enabled = true
	}
	if amqpURL := os.Getenv("AMQP_URL"); amqpURL != "" {
		cfg.AMQP.URL = amqpURL
		cfg.AMQP.Enabled = true
	}
	if dncURL := os.Getenv("DNC_REGISTRY_URL"); dncURL != "" {
		cfg.Compliance.DNCRegistryURL = dncURL
	}

	return cfg, nil
}
