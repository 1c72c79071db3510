// Package metrics exposes controller metrics in Prometheus format.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all controller metrics.
type Registry struct {
	reg *prometheus.Registry

	CompileTotal    *prometheus.CounterVec
	ApplyDuration   *prometheus.HistogramVec
	RulesetRules    *prometheus.GaugeVec
	TraceEntries    *prometheus.CounterVec
	TracingSessions prometheus.Gauge
	ReconcileQueued *prometheus.CounterVec
	UnclaimedNICs   *prometheus.GaugeVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = New()
		registry.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return registry
}

// New creates an isolated registry. Tests use it to avoid the global one.
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	r := &Registry{reg: reg}

	r.CompileTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwall_compile_total",
		Help: "Ruleset compilations per host and result",
	}, []string{"host", "result"})

	r.ApplyDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetwall_apply_duration_seconds",
		Help:    "Time to read, compile and write a host ruleset",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})

	r.RulesetRules = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetwall_ruleset_rules",
		Help: "Rules in the last applied ruleset",
	}, []string{"host"})

	r.TraceEntries = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwall_trace_entries_total",
		Help: "Trace entries parsed from nft monitor trace",
	}, []string{"host"})

	r.TracingSessions = f.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwall_tracing_sessions",
		Help: "Hosts with an active trace session",
	})

	r.ReconcileQueued = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwall_reconcile_requests_total",
		Help: "Reconcile requests per host and trigger",
	}, []string{"host", "trigger"})

	r.UnclaimedNICs = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetwall_unclaimed_interfaces",
		Help: "Interfaces that no zone claimed at the last assembly",
	}, []string{"host"})

	return r
}

// Register adds extra collectors, e.g. the event hub collector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

// Gatherer returns the underlying gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry over HTTP.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// RecordApply records one ApplyRuleSet outcome.
func (r *Registry) RecordApply(host string, rules int, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.CompileTotal.WithLabelValues(host, result).Inc()
	r.ApplyDuration.WithLabelValues(host).Observe(d.Seconds())
	if err == nil {
		r.RulesetRules.WithLabelValues(host).Set(float64(rules))
	}
}
