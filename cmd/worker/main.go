package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
	"github.com/Keiracom/Agency-OS-sub012/internal/events"
)

func main() {
	log.Println("Starting delivery worker...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.AMQP.Enabled {
		log.Fatal("AMQP is disabled; the delivery worker has nothing to consume")
	}

	broker, err := events.NewBroker(cfg.AMQP)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim := newSimulator(time.Now().UnixNano())
	handler := newDeliveryHandler(broker.PublishEvent, sim)

	// One consumer per channel so a slow provider never blocks the rest.
	var wg sync.WaitGroup
	for _, ch := range domain.AllChannels {
		consumer := events.NewDispatchConsumer(broker, ch, handler)
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Worker] %s consumer stopped: %v", ch, err)
			}
		}(ch)
	}

	log.Printf("[Worker] Consuming dispatch jobs for %d channels", len(domain.AllChannels))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down delivery worker...")
	cancel()
	wg.Wait()
}

// newDeliveryHandler performs the provider send for one job and reports the
// result back through the event queue. Real provider adapters slot in here;
// until then the simulator stands in for them.
func newDeliveryHandler(publish func(domain.InboundEvent) error, sim *simulator) events.DispatchHandler {
	return func(ctx context.Context, job events.DispatchJob) error {
		eventType := sim.outcomeFor(job.Channel)
		ev := domain.InboundEvent{
			LeadID:         job.LeadID,
			Channel:        job.Channel,
			EventType:      eventType,
			ResourceUnitID: job.UnitID,
			ProviderID:     job.ProviderID,
			Timestamp:      time.Now().UTC(),
		}
		if err := publish(ev); err != nil {
			return err
		}
		log.Printf("[Worker] Sent %s attempt %s via %s: %s", job.Channel, job.AttemptID, job.Identifier, eventType)
		return nil
	}
}

// simulator produces plausible provider results per channel.
type simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSimulator(seed int64) *simulator {
	return &simulator{rng: rand.New(rand.NewSource(seed))}
}

func (s *simulator) outcomeFor(ch domain.Channel) domain.EventType {
	s.mu.Lock()
	roll := s.rng.Intn(100)
	s.mu.Unlock()

	switch ch {
	case domain.ChannelVoice:
		if roll < 25 {
			return domain.EventAnswered
		}
		return domain.EventVoicemail
	case domain.ChannelEmail:
		switch {
		case roll < 2:
			return domain.EventBounce
		case roll < 5:
			return domain.EventSoftBounce
		case roll < 6:
			return domain.EventComplaint
		default:
			return domain.EventDelivered
		}
	default:
		if roll < 3 {
			return domain.EventSoftBounce
		}
		return domain.EventDelivered
	}
}
