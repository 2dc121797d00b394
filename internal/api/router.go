// Package api exposes the operator-facing REST surface of the coordinator.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/retire-cluster/coordinator/internal/config"
	"github.com/retire-cluster/coordinator/internal/middleware"
	"github.com/retire-cluster/coordinator/internal/registry"
	"github.com/retire-cluster/coordinator/internal/scheduler"
)

// Options carries the router's optional collaborators.
type Options struct {
	RateLimiter middleware.RateLimiter
	RateLimit   int64
	RateWindow  time.Duration
}

// NewRouter assembles the chi router with the standard middleware stack.
func NewRouter(cfg config.SchedulerConfig, reg *registry.Registry, sched *scheduler.Scheduler, log *slog.Logger, opts Options) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{cfg: cfg, registry: reg, sched: sched, log: log}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(middleware.Logging(log))
	r.Use(middleware.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(middleware.RateLimit(opts.RateLimiter, opts.RateLimit, opts.RateWindow, log))
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.submitTask)
			r.Get("/{taskID}", h.getTask)
			r.Delete("/{taskID}", h.cancelTask)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", h.listDevices)
			r.Get("/{deviceID}", h.getDevice)
			r.Delete("/{deviceID}", h.removeDevice)
		})

		r.Get("/cluster/stats", h.clusterStats)
	})

	return r
}
