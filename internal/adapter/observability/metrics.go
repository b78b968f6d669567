// Package observability provides logging, metrics, and tracing.
//
// It integrates with Prometheus for the outbox gauges and counters and with
// OpenTelemetry for distributed tracing of repository and publisher calls.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// Outbox lifecycle counters, labelled by event type.
	EventsInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_inserted_total",
			Help: "Total number of events inserted into the outbox",
		},
		[]string{"event_type"},
	)
	EventsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_claimed_total",
			Help: "Total number of events claimed by relay workers",
		},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Total number of events published successfully",
		},
		[]string{"event_type"},
	)
	EventsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_retried_total",
			Help: "Total number of publish attempts that failed and were scheduled for retry",
		},
		[]string{"event_type"},
	)
	EventsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_dead_lettered_total",
			Help: "Total number of events diverted to the dead-letter state",
		},
		[]string{"event_type"},
	)
	EventsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_reaped_total",
			Help: "Total number of expired leases recovered by the reaper",
		},
	)
	LeaseLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_lease_lost_total",
			Help: "Total number of events abandoned after a fencing token mismatch",
		},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_publish_duration_seconds",
			Help:    "Publisher call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// Read-only aggregates over the event store, refreshed by the metrics
	// poller.
	PendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outbox_pending", Help: "Events in PENDING or FAILED awaiting relay"},
	)
	ProcessingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outbox_processing", Help: "Events currently leased by a worker"},
	)
	CompletedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outbox_completed", Help: "Events delivered and completed"},
	)
	DeadLetterGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outbox_dead_letter", Help: "Events awaiting operator redrive"},
	)
	OldestPendingAgeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outbox_oldest_pending_age_seconds", Help: "Age of the oldest pending event in seconds"},
	)
	BacklogUtilizationGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outbox_backlog_utilization_percent", Help: "Pending count as a percentage of the configured backlog limit"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors exactly once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(EventsInsertedTotal)
		prometheus.MustRegister(EventsClaimedTotal)
		prometheus.MustRegister(EventsPublishedTotal)
		prometheus.MustRegister(EventsRetriedTotal)
		prometheus.MustRegister(EventsDeadLetteredTotal)
		prometheus.MustRegister(EventsReapedTotal)
		prometheus.MustRegister(LeaseLostTotal)
		prometheus.MustRegister(PublishDuration)
		prometheus.MustRegister(PendingGauge)
		prometheus.MustRegister(ProcessingGauge)
		prometheus.MustRegister(CompletedGauge)
		prometheus.MustRegister(DeadLetterGauge)
		prometheus.MustRegister(OldestPendingAgeGauge)
		prometheus.MustRegister(BacklogUtilizationGauge)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
