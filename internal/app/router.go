// Package app assembles the HTTP surface and the background services shared
// by the server and relay binaries.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/outbox-relay/internal/adapter/httpserver"
	"github.com/fairyhunter13/outbox-relay/internal/adapter/observability"
	"github.com/fairyhunter13/outbox-relay/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// readyz reports transport-level readiness; /v1/health reports the deeper
// evaluated relay health.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready *ReadinessChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Event intake is rate limited per client IP
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/events", srv.CreateEvent)
	})

	// Read-only inspection endpoints
	r.Get("/v1/events", srv.ListEvents)
	r.Get("/v1/events/{id}", srv.GetEvent)
	r.Get("/v1/stats", srv.GetStats)
	r.Get("/v1/health", srv.GetHealth)
	r.Get("/v1/dead-letter/stats", srv.GetDeadLetterStats)

	// Redrive mutates operator-visible state, so it sits behind the admin
	// guard whenever credentials are configured
	r.Group(func(ar chi.Router) {
		if cfg.AdminEnabled() {
			ar.Use(httpserver.AdminAuth(cfg.AdminUsername, cfg.AdminPassword))
		}
		ar.Post("/v1/dead-letter/redrive", srv.Redrive)
	})

	// Liveness, readiness, metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", ready.Handler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
