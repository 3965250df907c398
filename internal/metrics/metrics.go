// Package metrics exports chat-core counters in Prometheus format.
//
// Every method is safe to call on a nil *Metrics, so components can be
// constructed without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ollamachat"

type Metrics struct {
	registry *prometheus.Registry

	generations       *prometheus.CounterVec
	generationsActive prometheus.Gauge
	fragments         prometheus.Counter
	fragmentsDropped  prometheus.Counter
	modelRequests     *prometheus.CounterVec
	titleInferences   *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished generation sessions by outcome",
		},
		[]string{"outcome"},
	)
	m.generationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_active",
			Help:      "Generation sessions currently streaming",
		},
	)
	m.fragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Content fragments applied to a session accumulator",
		},
	)
	m.fragmentsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_dropped_total",
			Help:      "Fragments that arrived for a session that was no longer generating",
		},
	)
	m.modelRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_total",
			Help:      "Requests sent to the model server",
		},
		[]string{"endpoint", "result"},
	)
	m.titleInferences = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "title_inferences_total",
			Help:      "Title inference attempts by result",
		},
		[]string{"result"},
	)
	m.persistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Failed conversation store writes",
		},
		[]string{"op"},
	)

	m.registry.MustRegister(
		m.generations,
		m.generationsActive,
		m.fragments,
		m.fragmentsDropped,
		m.modelRequests,
		m.titleInferences,
		m.persistenceErrors,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) GenerationStarted() {
	if m == nil {
		return
	}
	m.generationsActive.Inc()
}

func (m *Metrics) GenerationFinished(outcome string) {
	if m == nil {
		return
	}
	m.generationsActive.Dec()
	m.generations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FragmentApplied() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

func (m *Metrics) FragmentDropped() {
	if m == nil {
		return
	}
	m.fragmentsDropped.Inc()
}

func (m *Metrics) ModelRequest(endpoint, result string) {
	if m == nil {
		return
	}
	m.modelRequests.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) TitleInference(result string) {
	if m == nil {
		return
	}
	m.titleInferences.WithLabelValues(result).Inc()
}

func (m *Metrics) PersistenceError(op string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(op).Inc()
}
