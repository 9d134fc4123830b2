package api

import (
	"net/http"
	"sdqueue/internal/dispatcher"
	"sdqueue/internal/health"
	"sdqueue/internal/job"
	"sdqueue/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher // optional, reported by /api/stats
	APIKey        string

	// SubmitRateLimit is the sustained submissions per second; 0 disables limiting.
	SubmitRateLimit float64
	SubmitRateBurst int
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.HealthChecker, cfg.Dispatcher)

	r := chi.NewRouter()
	r.Use(RecoveryMiddleware())
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Probes and service info, no auth
	r.Get("/", handler.Root)
	r.Get("/health", handler.Health)
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))

		r.With(RateLimitMiddleware(cfg.SubmitRateLimit, cfg.SubmitRateBurst)).
			Post("/request", handler.Submit)
		r.Get("/status/{transaction_key}", handler.Status)
		r.Get("/stats", handler.Stats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}
