package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check and provider webhooks (no auth, providers can't sign in)
	r.Get("/health", h.HealthCheck)
	r.Post("/webhooks/events", h.HandleWebhook)

	r.Route("/api", func(r chi.Router) {
		// Leads and scoring
		r.Route("/leads", func(r chi.Router) {
			r.Get("/{leadID}", h.GetLead)
			r.Post("/{leadID}/score", h.ScoreLead)
			r.Post("/{leadID}/enrichment", h.IngestEnrichment)
			r.Post("/admit", h.AdmitLead)
			r.Post("/admit/batch", h.AdmitBatch)
		})

		// Campaigns and allocation
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.CreateCampaign)
			r.Put("/{campaignID}/status", h.SetCampaignStatus)
			r.Post("/priority", h.SetPriority)
			r.Post("/rebalance/{tenantID}", h.Rebalance)
		})

		// Dispatch control
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/stats", h.GetStats)
			r.Post("/pause", h.PauseScheduler)
			r.Post("/resume", h.ResumeScheduler)
			r.Post("/approve", h.ApproveAttempts)
		})

		// Resource pool
		r.Route("/pool", func(r chi.Router) {
			r.Get("/capacity", h.GetCapacity)
			r.Get("/units", h.GetUnits)
			r.Post("/units", h.RegisterUnit)
			r.Post("/acquire", h.AcquireUnits)
			r.Post("/release", h.ReleaseAssignment)
		})
	})

	return r
}
