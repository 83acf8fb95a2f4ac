package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/engram-ai/engram/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Search and retrieval
	Search   http.HandlerFunc
	Retrieve http.HandlerFunc

	// Core memory blocks
	GetCoreMemory http.HandlerFunc
	UpdateBlock   http.HandlerFunc
	DeleteBlocks  http.HandlerFunc

	// Conversation turns
	ProcessTurn http.HandlerFunc
	RecentTurns http.HandlerFunc

	// Archival memories
	CreateMemory      http.HandlerFunc
	ListMemories      http.HandlerFunc
	UpdateMemory      http.HandlerFunc
	DeleteMemory      http.HandlerFunc
	DeleteAllMemories http.HandlerFunc

	Stats   http.HandlerFunc
	Refresh http.HandlerFunc
}

// HealthChecks wires dependency probes into the readiness endpoint. A nil
// probe reports "not configured" instead of failing.
type HealthChecks struct {
	Store func(ctx context.Context) error
	NATS  func() bool
	Redis func(ctx context.Context) error
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	// TurnRateLimiter throttles the extraction endpoint, which fans out to
	// LLM calls.
	TurnRateLimiter func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig, h HandlerSet, checks HealthChecks) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe: checks store, NATS, Redis
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status": "healthy",
			"store":  "healthy",
			"nats":   "healthy",
			"redis":  "healthy",
		}

		status := http.StatusOK

		if checks.Store != nil {
			if err := checks.Store(r.Context()); err != nil {
				health["store"] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		} else {
			health["store"] = "not configured"
		}

		if checks.NATS != nil {
			if !checks.NATS() {
				health["nats"] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		} else {
			health["nats"] = "not configured"
		}

		if checks.Redis != nil {
			if err := checks.Redis(r.Context()); err != nil {
				health["redis"] = "unhealthy"
				health["status"] = "degraded"
			}
		} else {
			health["redis"] = "not configured"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1/memory", func(r chi.Router) {
		r.Post("/search", h.Search)
		r.Post("/retrieve", h.Retrieve)

		r.Route("/blocks", func(r chi.Router) {
			r.Get("/", h.GetCoreMemory)
			r.Put("/", h.UpdateBlock)
			r.Delete("/", h.DeleteBlocks)
		})

		r.Route("/turns", func(r chi.Router) {
			if cfg.TurnRateLimiter != nil {
				r.Use(cfg.TurnRateLimiter)
			}
			r.Post("/", h.ProcessTurn)
			r.Get("/recent", h.RecentTurns)
		})

		r.Route("/memories", func(r chi.Router) {
			r.Get("/", h.ListMemories)
			r.Post("/", h.CreateMemory)
			r.Delete("/", h.DeleteAllMemories)

			r.Route("/{memoryID}", func(r chi.Router) {
				r.Patch("/", h.UpdateMemory)
				r.Delete("/", h.DeleteMemory)
			})
		})

		r.Get("/stats", h.Stats)
		r.Post("/refresh", h.Refresh)
	})

	return r
}
