// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Checkmate calls are capped at about a second, so finer buckets are used.
var checkmateBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, .75, 1, 1.5}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	CheckmateDuration  *prometheus.HistogramVec
	CheckmateFailures  *prometheus.CounterVec
	Verdicts           *prometheus.CounterVec
	BlocklistEntries   prometheus.Gauge
	BlocklistReloads   *prometheus.CounterVec
	TokensIssued       *prometheus.CounterVec
	RedirectsRewritten prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viahtml_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "viahtml_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viahtml_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "viahtml_engine_request_duration_seconds",
			Help:    "Rewriting engine latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viahtml_engine_responses_total",
			Help: "Total rewriting engine responses by method and status code.",
		}, []string{"method", "status_code"}),

		CheckmateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "viahtml_checkmate_request_duration_seconds",
			Help:    "Content safety check latency in seconds.",
			Buckets: checkmateBuckets,
		}, []string{"result"}),

		CheckmateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viahtml_checkmate_failures_total",
			Help: "Content safety checks that failed open, by cause.",
		}, []string{"cause"}),

		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viahtml_admission_verdicts_total",
			Help: "Admission decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),

		BlocklistEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viahtml_blocklist_entries",
			Help: "Number of entries in the loaded local blocklist.",
		}),

		BlocklistReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viahtml_blocklist_reloads_total",
			Help: "Local blocklist reload attempts by result.",
		}, []string{"result"}),

		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viahtml_tokens_issued_total",
			Help: "Signed tokens issued by kind.",
		}, []string{"kind"}),

		RedirectsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viahtml_redirects_rewritten_total",
			Help: "Engine redirects whose Location was rewritten through the gateway.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.CheckmateDuration,
		m.CheckmateFailures,
		m.Verdicts,
		m.BlocklistEntries,
		m.BlocklistReloads,
		m.TokensIssued,
		m.RedirectsRewritten,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the gateway's own path label values (bounded cardinality).
var knownPrefixes = []string{"/_status", "/robots.txt", "/static", "/proxy", "/metrics", "/favicon.ico"}

// NormalizePath returns a bounded path label for Prometheus metrics. Every
// path the gateway does not serve itself names a proxied page and is
// labelled "proxied".
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "proxied"
}
