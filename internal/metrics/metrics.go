// Package metrics exposes Prometheus counters for completion traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "g4f_bridge"

// Outcome labels for completion requests.
const (
	OutcomeOK       = "ok"
	OutcomeBadModel = "bad_model"
	OutcomeConfig   = "config_error"
	OutcomeUpstream = "upstream_error"
	OutcomeInternal = "internal_error"
	OutcomeCanceled = "canceled"
)

// UnknownModel replaces the model label of requests naming a model outside
// the registry, keeping label cardinality bounded by the model table.
const UnknownModel = "unknown"

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	completions    *prometheus.CounterVec
	fragments      *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_completions_total",
			Help:      "Chat completion requests by model, provider, mode and outcome.",
		}, []string{"model", "provider", "mode", "outcome"}),
		fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fragments_total",
			Help:      "Fragments forwarded to streaming clients.",
		}, []string{"model"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failures raised by upstream providers.",
		}, []string{"provider"}),
	}
	reg.MustRegister(m.completions, m.fragments, m.upstreamErrors)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCompletion counts one finished chat completion request.
func (m *Metrics) ObserveCompletion(model, provider string, stream bool, outcome string) {
	if m == nil {
		return
	}
	mode := "buffered"
	if stream {
		mode = "stream"
	}
	m.completions.WithLabelValues(model, provider, mode, outcome).Inc()
}

// ObserveFragment counts one streamed fragment.
func (m *Metrics) ObserveFragment(model string) {
	if m == nil {
		return
	}
	m.fragments.WithLabelValues(model).Inc()
}

// ObserveUpstreamError counts one provider failure.
func (m *Metrics) ObserveUpstreamError(provider string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(provider).Inc()
}
