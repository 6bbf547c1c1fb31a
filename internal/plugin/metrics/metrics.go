// Package metrics exposes Prometheus collectors for the plugin runtime.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the runtime's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	runFailures  *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpDenied   *prometheus.CounterVec
	plugins      prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletplug",
			Subsystem: "plugin",
			Name:      "runs_total",
			Help:      "Plugin entry invocations.",
		}, []string{"plugin"}),
		runFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletplug",
			Subsystem: "plugin",
			Name:      "run_failures_total",
			Help:      "Plugin entry invocations that returned an error or panicked.",
		}, []string{"plugin"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "walletplug",
			Subsystem: "plugin",
			Name:      "run_duration_seconds",
			Help:      "Time spent inside plugin entry functions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletplug",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Outbound requests made by plugins through the network service.",
		}, []string{"plugin", "method"}),
		httpDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletplug",
			Subsystem: "http",
			Name:      "denied_total",
			Help:      "Outbound requests rejected by the allow-list or rate limit.",
		}, []string{"plugin", "reason"}),
		plugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletplug",
			Subsystem: "plugin",
			Name:      "registered",
			Help:      "Plugin controllers currently held by the manager.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.runFailures, m.runDuration, m.httpRequests, m.httpDenied, m.plugins)
	}
	return m
}

// ObserveRun records one entry invocation.
func (m *Metrics) ObserveRun(plugin string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(plugin).Inc()
	m.runDuration.WithLabelValues(plugin).Observe(d.Seconds())
	if err != nil {
		m.runFailures.WithLabelValues(plugin).Inc()
	}
}

// HTTPRequest records an allowed outbound request.
func (m *Metrics) HTTPRequest(plugin, method string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(plugin, method).Inc()
}

// HTTPDenied records a rejected outbound request.
func (m *Metrics) HTTPDenied(plugin, reason string) {
	if m == nil {
		return
	}
	m.httpDenied.WithLabelValues(plugin, reason).Inc()
}

// SetPlugins records the number of registered controllers.
func (m *Metrics) SetPlugins(n int) {
	if m == nil {
		return
	}
	m.plugins.Set(float64(n))
}
