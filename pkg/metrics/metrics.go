// Package metrics holds the Prometheus collectors for the pipeline and
// serves them over HTTP. Each Registry is independent so tests can create
// their own without clashing on the default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulse"

// Registry holds every pipeline metric.
type Registry struct {
	reg *prometheus.Registry

	CollectItems       *prometheus.CounterVec // platform, outcome
	CollectErrors      *prometheus.CounterVec // platform, kind
	CollectRunDuration prometheus.Histogram
	EnrichRecords      *prometheus.CounterVec // outcome
	EnrichInflight     prometheus.Gauge
	EnrichCallDuration prometheus.Histogram
	StorePending       prometheus.Gauge
	LastRun            *prometheus.GaugeVec // stage

	HTTPRequests *prometheus.CounterVec   // method, route, status
	HTTPDuration *prometheus.HistogramVec // method, route
}

// New creates a registry with the pipeline metrics and the Go runtime
// collectors registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		CollectItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collect_items_total",
			Help:      "Collected items by platform and outcome (new, duplicate, malformed).",
		}, []string{"platform", "outcome"}),
		CollectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collect_errors_total",
			Help:      "Platform collection failures by error kind.",
		}, []string{"platform", "kind"}),
		CollectRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collect_run_duration_seconds",
			Help:      "Wall time of one collection run for a cluster.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		EnrichRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrich_records_total",
			Help:      "Enrichment outcomes per record (succeeded, failed, terminal, skipped).",
		}, []string{"outcome"}),
		EnrichInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enrich_inflight",
			Help:      "LLM enrichment calls currently in flight.",
		}),
		EnrichCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enrich_call_duration_seconds",
			Help:      "Duration of a single LLM enrichment call.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		StorePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_pending",
			Help:      "Raw records waiting for enrichment.",
		}),
		LastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of each stage finished.",
		}, []string{"stage"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	r.reg.MustRegister(
		r.CollectItems, r.CollectErrors, r.CollectRunDuration,
		r.EnrichRecords, r.EnrichInflight, r.EnrichCallDuration,
		r.StorePending, r.LastRun,
		r.HTTPRequests, r.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// MarkRun stamps the finish time of a stage ("collect", "process").
func (r *Registry) MarkRun(stage string, at time.Time) {
	r.LastRun.WithLabelValues(stage).Set(float64(at.Unix()))
}

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
