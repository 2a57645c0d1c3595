// Package metrics provides Prometheus metrics collection for quotagate.
package metrics

import (
	"github.com/artpar/quotagate/domain/quota"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quotagate"

// Collector holds all Prometheus metrics for quotagate.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Identity metrics
	AuthFailures *prometheus.CounterVec

	// Quota metrics
	Decisions         *prometheus.CounterVec
	Violations        *prometheus.CounterVec
	BlockedRejections prometheus.Counter
	TrackedUsers      prometheus.Gauge
	PrunedBuckets     prometheus.Counter

	// Demo API metrics
	DemoAPIDuration *prometheus.HistogramVec
	DemoAPIErrors   *prometheus.CounterVec

	// Store metrics
	StoreFlushes   *prometheus.CounterVec
	FlushedRecords prometheus.Counter

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default Prometheus registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of rejected identities and admin logins",
			},
			[]string{"reason"},
		),
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Quota decisions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		Violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "violations_total",
				Help:      "Limit violations by window",
			},
			[]string{"window"},
		),
		BlockedRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocked_rejections_total",
				Help:      "Calls rejected because a cooldown was active",
			},
		),
		TrackedUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_users",
				Help:      "Number of user keys with a usage record",
			},
		),
		PrunedBuckets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pruned_buckets_total",
				Help:      "Day and hour buckets dropped by retention",
			},
		),
		DemoAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "demo_api_duration_seconds",
				Help:      "Demo API call duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		DemoAPIErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "demo_api_errors_total",
				Help:      "Total number of demo API errors",
			},
			[]string{"type"},
		),
		StoreFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_flushes_total",
				Help:      "Record store flushes by result",
			},
			[]string{"result"},
		),
		FlushedRecords: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flushed_records_total",
				Help:      "Records written to the record store",
			},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// StatusClass buckets an HTTP status code into 2xx, 4xx and so on.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

// ObserveDecision records one quota decision.
func (c *Collector) ObserveDecision(action string, d quota.Decision) {
	c.Decisions.WithLabelValues(action, string(d.Outcome)).Inc()
	if d.Allowed() {
		return
	}
	if len(d.Violations) == 0 {
		c.BlockedRejections.Inc()
		return
	}
	for _, v := range d.Violations {
		c.Violations.WithLabelValues(string(v.Window)).Inc()
	}
}
