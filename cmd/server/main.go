package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/Keiracom/Agency-OS-sub012/internal/allocator"
	"github.com/Keiracom/Agency-OS-sub012/internal/api"
	"github.com/Keiracom/Agency-OS-sub012/internal/compliance"
	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
	"github.com/Keiracom/Agency-OS-sub012/internal/events"
	"github.com/Keiracom/Agency-OS-sub012/internal/health"
	"github.com/Keiracom/Agency-OS-sub012/internal/pkg/distlock"
	"github.com/Keiracom/Agency-OS-sub012/internal/pool"
	"github.com/Keiracom/Agency-OS-sub012/internal/repository/postgres"
	"github.com/Keiracom/Agency-OS-sub012/internal/scheduler"
	"github.com/Keiracom/Agency-OS-sub012/internal/scoring"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Outreach allocation engine (cmd/server)")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	// Postgres
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to Postgres")

	// Redis: daily capacity counters, unit locks, DNC cache, tick locks.
	if !cfg.Redis.Enabled {
		log.Fatal("Redis is required for capacity accounting (set REDIS_URL)")
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to ping Redis: %v", err)
	}
	log.Println("Connected to Redis")

	// Repositories
	leadRepo := postgres.NewLeadRepo(db)
	campaignRepo := postgres.NewCampaignRepo(db)
	attemptRepo := postgres.NewAttemptRepo(db)
	resourceRepo := postgres.NewResourceRepo(db)

	// Broker: dispatch queues out, provisioning signals out, events in.
	var broker *events.Broker
	if cfg.AMQP.Enabled {
		broker, err = events.NewBroker(cfg.AMQP)
		if err != nil {
			log.Fatalf("Failed to connect to broker: %v", err)
		}
		defer broker.Close()
	} else {
		log.Println("AMQP disabled; dispatch queues and signals are log-only")
	}

	publishSignal := func(sig domain.ProvisioningSignal) {
		if broker == nil {
			return
		}
		if err := broker.PublishSignal(sig); err != nil {
			log.Printf("[Server] Failed to publish provisioning signal: %v", err)
		}
	}

	// Resource pool, hydrated from Postgres.
	poolManager := pool.NewManager(cfg.Pool, publishSignal, resourceRepo)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	units, err := resourceRepo.LoadUnits(bootCtx)
	if err != nil {
		bootCancel()
		log.Fatalf("Failed to load resource units: %v", err)
	}
	assignments, err := resourceRepo.OpenAssignments(bootCtx)
	bootCancel()
	if err != nil {
		log.Fatalf("Failed to load assignments: %v", err)
	}
	poolManager.Restore(units, assignments)

	// Unit health and warmup.
	var ramp *health.Ramp
	monitor := health.NewMonitor(cfg.Health, func(d health.Downgrade) {
		if err := poolManager.SetHealth(d.UnitID, d.To); err != nil {
			log.Printf("[Server] Failed to record health change for %s: %v", d.UnitID, err)
		}
		if ramp != nil {
			ramp.HandleDowngrade(d)
		}
	})
	ramp = health.NewRamp(cfg.Warmup, poolManager, monitor)

	capacity := health.NewCapacityLimiter(redisClient)

	// Compliance gate with DNC registry.
	var registry compliance.DNCRegistry = compliance.NopRegistry{}
	if cfg.Compliance.DNCRegistryURL != "" {
		registry = compliance.NewHTTPRegistry(cfg.Compliance.DNCRegistryURL)
	} else {
		log.Println("No DNC registry configured; regulated channels rely on lead flags only")
	}
	gate := compliance.NewGate(cfg.Compliance, registry, redisClient)

	// Channel dispatchers.
	dispatchers := scheduler.NewRegistry()
	var dispatcher scheduler.Dispatcher = logDispatcher{}
	if broker != nil {
		dispatcher = events.NewQueueDispatcher(broker)
	}
	for _, ch := range domain.AllChannels {
		dispatchers.Register(ch, dispatcher)
	}

	engine := scheduler.NewEngine(cfg, attemptRepo, leadRepo, poolManager, capacity, gate, dispatchers, monitor)
	engine.SetProvisioningSignal(publishSignal)

	// Tier changes feed the re-admitter so upgraded leads re-enter the
	// allocation flow. The channel is buffered; a full backlog drops the
	// event rather than blocking the scorer.
	tierChanges := make(chan domain.TierChange, 256)
	scorer := scoring.New(cfg, func(change domain.TierChange) {
		select {
		case tierChanges <- change:
		default:
			log.Printf("[Server] Tier-change backlog full, dropping lead %s", change.LeadID)
		}
	})
	alloc := allocator.New(cfg, campaignRepo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readmitter := newTierReadmitter(alloc, engine, leadRepo, campaignRepo, attemptRepo)
	go readmitter.run(ctx, tierChanges)

	// Inbound events from polling providers arrive via the broker alongside
	// the HTTP webhook.
	if broker != nil {
		consumer := events.NewConsumer(broker, func(ctx context.Context, ev domain.InboundEvent) error {
			outcome := domain.OutcomeForEvent(ev.EventType)
			if outcome == "" {
				return nil
			}
			attempt, err := attemptRepo.ByProviderID(ctx, ev.ProviderID)
			if err != nil {
				return err
			}
			if attempt.IsTerminal() {
				return nil
			}
			if err := engine.ApplyOutcome(ctx, attempt, outcome); err != nil {
				return err
			}
			if outcome == domain.OutcomeReplied {
				rescoreReply(ctx, leadRepo, scorer, attempt.LeadID)
			}
			return nil
		})
		go func() {
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Server] Event consumer stopped: %v", err)
			}
		}()
	}

	engine.Start()
	go runTicks(ctx, cfg, redisClient, db, ramp, monitor, leadRepo, scorer)

	handlers := api.NewHandlers(engine, alloc, scorer, poolManager, attemptRepo, leadRepo, campaignRepo, resourceRepo)
	server := api.NewServer(cfg.Server, handlers)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	cancel()
	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// runTicks drives the periodic jobs: daily warmup advance, health recovery
// probes, and score decay. Each tick takes a cluster lock so exactly one
// replica runs it.
func runTicks(ctx context.Context, cfg *config.Config, redisClient *redis.Client, db *sql.DB, ramp *health.Ramp, monitor *health.Monitor, leads *postgres.LeadRepo, scorer *scoring.Scorer) {
	warmupLock := distlock.NewLock(redisClient, db, "tick:warmup", time.Hour)
	probeLock := distlock.NewLock(redisClient, db, "tick:probe", 30*time.Minute)
	decayLock := distlock.NewLock(redisClient, db, "tick:decay", time.Hour)

	warmupTicker := time.NewTicker(24 * time.Hour)
	probeTicker := time.NewTicker(time.Hour)
	decayTicker := time.NewTicker(time.Duration(cfg.Scoring.DecayTickHours) * time.Hour)
	defer warmupTicker.Stop()
	defer probeTicker.Stop()
	defer decayTicker.Stop()

	withLock := func(l distlock.DistLock, fn func()) {
		ok, err := l.Acquire(ctx)
		if err != nil {
			log.Printf("[Ticks] Lock error: %v", err)
			return
		}
		if !ok {
			return // another replica owns this tick
		}
		defer l.Release(ctx)
		fn()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-warmupTicker.C:
			withLock(warmupLock, func() { ramp.Tick() })
		case <-probeTicker.C:
			withLock(probeLock, func() { monitor.ProbeRecovery() })
		case <-decayTicker.C:
			withLock(decayLock, func() { decayScores(ctx, cfg, leads, scorer) })
		}
	}
}

// decayScores rescores leads whose last computation predates the decay
// window. Only the stored completeness is fed back in; missing dimensions
// fall to their midpoints, which is the decay.
func decayScores(ctx context.Context, cfg *config.Config, leads *postgres.LeadRepo, scorer *scoring.Scorer) {
	cutoff := time.Now().Add(-time.Duration(cfg.Scoring.DecayTickHours) * time.Hour)
	batch, err := leads.DueForDecay(ctx, cutoff, 500)
	if err != nil {
		log.Printf("[Ticks] Failed to list decay-due leads: %v", err)
		return
	}
	for i := range batch {
		lead := &batch[i]
		res := scorer.Recompute(lead, scoring.Inputs{
			DataQuality: &lead.Completeness,
		}, scoring.TriggerDecay)
		if err := leads.UpdateScore(ctx, lead.ID, res.Score, res.Tier, *lead.LastScoredAt); err != nil {
			log.Printf("[Ticks] Failed to persist decayed score for lead %s: %v", lead.ID, err)
		}
	}
	if len(batch) > 0 {
		log.Printf("[Ticks] Rescored %d decay-due leads", len(batch))
	}
}

// rescoreReply feeds an inbound reply back into the scorer and persists
// the result. Best-effort: the outcome is already applied.
func rescoreReply(ctx context.Context, leads *postgres.LeadRepo, scorer *scoring.Scorer, leadID string) {
	lead, err := leads.Lead(ctx, leadID)
	if err != nil {
		log.Printf("[Server] Failed to load lead %s for reply rescore: %v", leadID, err)
		return
	}
	res := scorer.RescoreOnReply(&lead)
	if err := leads.UpdateScore(ctx, lead.ID, res.Score, res.Tier, *lead.LastScoredAt); err != nil {
		log.Printf("[Server] Failed to persist reply rescore for lead %s: %v", leadID, err)
	}
}

// logDispatcher stands in when AMQP is disabled. It reports sends as
// delivered so sequences still advance in local development.
type logDispatcher struct{}

func (logDispatcher) Send(ctx context.Context, unit domain.ResourceUnit, lead domain.Lead, attempt domain.DispatchAttempt) (domain.DispatchResult, error) {
	log.Printf("[Dispatch] %s attempt %s via %s (broker disabled, assuming delivered)", attempt.Channel, attempt.ID, unit.Identifier)
	return domain.DispatchResult{
		Outcome:    domain.OutcomeDelivered,
		ProviderID: uuid.NewString(),
		SentAt:     time.Now().UTC(),
	}, nil
}
