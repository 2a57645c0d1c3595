// Package http provides the HTTP surface of quotagate: the dashboard, the
// JSON API, health endpoints and the shared middleware.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/app"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Build information, set by the CLI at startup.
var (
	BuildVersion = "dev"
	BuildCommit  = "none"
)

// VersionResponse represents the version endpoint response.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Service string `json:"service"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	store HealthChecker
}

// HealthChecker is implemented by the record stores.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler creates a new health handler. store may be nil.
func NewHealthHandler(store HealthChecker) *HealthHandler {
	return &HealthHandler{store: store}
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readiness checks the record store is reachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Version returns the service version.
func Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: BuildVersion,
		Commit:  BuildCommit,
		Service: "quotagate",
	})
}

// RouterConfig holds the handlers and options for the router.
type RouterConfig struct {
	Actions  *app.ActionService // required
	Identity *IdentityResolver  // required
	Health   *HealthHandler     // default: no store check
	Logger   zerolog.Logger

	Metrics        *metrics.Collector // optional
	MetricsHandler http.Handler       // default: promhttp.Handler() when Metrics is set
	MetricsPath    string             // default: /metrics

	AdminHandler   http.Handler // optional; mounted at /admin
	RequestTimeout time.Duration
}

// NewRouter creates the main HTTP router.
func NewRouter(cfg RouterConfig) chi.Router {
	if cfg.Health == nil {
		cfg.Health = NewHealthHandler(nil)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(cfg.Logger, cfg.MetricsPath))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics, cfg.MetricsPath))
	}

	// Health endpoints (no identity required)
	r.Get("/health", cfg.Health.Liveness)
	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)
	r.Get("/version", Version)

	if cfg.MetricsHandler != nil {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	} else if cfg.Metrics != nil {
		r.Handle(cfg.MetricsPath, promhttp.Handler())
	}

	api := NewAPIHandler(cfg.Actions, cfg.Metrics, cfg.Logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/actions", api.ListActions)
		r.Group(func(r chi.Router) {
			r.Use(cfg.Identity.Middleware(writeIdentityError))
			r.Get("/quota", api.GetQuota)
			r.Post("/actions/{action}", api.PerformAction)
		})
	})

	dash := NewDashboardHandler(cfg.Actions, cfg.Metrics, cfg.Logger)
	r.Group(func(r chi.Router) {
		r.Use(cfg.Identity.Middleware(dash.RenderIdentityError))
		r.Get("/", dash.Show)
		r.Post("/actions/{action}", dash.Perform)
	})

	if cfg.AdminHandler != nil {
		r.Mount("/admin", cfg.AdminHandler)
	}

	return r
}

// skipObservability reports whether a path is excluded from access logs
// and request metrics.
func skipObservability(path, metricsPath string) bool {
	return strings.HasPrefix(path, "/health") || path == metricsPath
}

// routeLabel returns the matched route pattern, keeping label cardinality
// bounded for user keys and action names in the path.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// NewMetricsMiddleware creates middleware that records request metrics.
func NewMetricsMiddleware(m *metrics.Collector, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipObservability(r.URL.Path, metricsPath) {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := metrics.StatusClass(ww.Status())
			route := routeLabel(r)
			m.RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		})
	}
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if skipObservability(r.URL.Path, metricsPath) {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
