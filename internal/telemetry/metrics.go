package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clash_enhancer"

// Metrics owns a private registry so tests and multiple handlers in one
// process never collide on the global one. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	appErrors     *prometheus.CounterVec
	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	transforms    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by ServeMux pattern and status.",
		}, []string{"pattern", "status"}),
		appErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "app_errors_total",
			Help:      "Application errors returned to clients.",
		}, []string{"stage", "code"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_source_probes_total",
			Help:      "Rule-source metadata probes by outcome.",
		}, []string{"result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_source_probe_duration_seconds",
			Help:      "Latency of rule-source metadata probes.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}),
		transforms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transforms_total",
			Help:      "Pipeline runs by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.appErrors,
		m.probes,
		m.probeDuration,
		m.transforms,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRequest(pattern string, status int) {
	if m == nil {
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}
	m.httpRequests.WithLabelValues(pattern, strconv.Itoa(status)).Inc()
}

func (m *Metrics) IncAppError(stage, code string) {
	if m == nil {
		return
	}
	m.appErrors.WithLabelValues(orUnknown(stage), orUnknown(code)).Inc()
}

// ObserveProbe records one probe. result is "ok", "no_token" or a failure
// class such as "timeout".
func (m *Metrics) ObserveProbe(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(orUnknown(result)).Inc()
	m.probeDuration.Observe(d.Seconds())
}

func (m *Metrics) IncTransform(result string) {
	if m == nil {
		return
	}
	m.transforms.WithLabelValues(orUnknown(result)).Inc()
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(unknown)"
	}
	return s
}
