// Package ingress exposes the per-platform webhook endpoints.
package ingress

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"msgrelay/internal/dedup"
	"msgrelay/internal/domain"
	"msgrelay/internal/pool"
)

const defaultMaxBodyBytes = 1 << 20

type Config struct {
	Adapters     []domain.Adapter
	Dedup        *dedup.Cache
	AllowList    domain.AllowList // nil admits every sender
	Scheduler    domain.Scheduler
	MaxBodyBytes int64
	PoolStats    func() pool.Stats // optional, reported by /healthz
	MetricsPath  string            // empty disables /metrics
	Logger       *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg Config) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := NewHandler(cfg)

	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(Metrics)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)

	if cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	r.Get("/healthz", h.Health)

	r.Get("/webhooks/{platform}", h.Verify)
	r.Post("/webhooks/{platform}", h.Receive)

	return r
}
