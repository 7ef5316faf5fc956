// ABOUTME: Prometheus collectors for the relay pipeline, write queue and viewer hub
// ABOUTME: All methods are nil-safe so components can run without metrics in tests

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	messagesStored   *prometheus.CounterVec
	duplicates       prometheus.Counter
	pipelineFailures *prometheus.CounterVec
	sends            *prometheus.CounterVec
	events           *prometheus.CounterVec
	viewers          prometheus.Gauge
	viewersPruned    prometheus.Counter
	handlerFailures  *prometheus.CounterVec
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Messages persisted, by direction and status.",
		}, []string{"direction", "status"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Inbound messages dropped as duplicates.",
		}),
		pipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failures_total",
			Help:      "Inbound pipeline stage failures.",
		}, []string{"stage"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sends_total",
			Help:      "Outbound send attempts, by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Events fanned out to viewers, by type.",
		}, []string{"type"}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers_connected",
			Help:      "Live dashboard viewer connections.",
		}),
		viewersPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewers_pruned_total",
			Help:      "Viewers removed after a failed send.",
		}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Inbound handlers or hooks that returned an error or panicked.",
		}, []string{"name"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesStored,
		m.duplicates,
		m.pipelineFailures,
		m.sends,
		m.events,
		m.viewers,
		m.viewersPruned,
		m.handlerFailures,
	)
	return m
}

// RegisterGaugeFunc exposes a value sampled at scrape time, such as queue depth.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageStored(direction, status string) {
	if m == nil {
		return
	}
	m.messagesStored.WithLabelValues(direction, status).Inc()
}

func (m *Metrics) DuplicateDropped() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) StageFailed(stage string) {
	if m == nil {
		return
	}
	m.pipelineFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) SendResult(ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) EventBroadcast(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetViewers(n int) {
	if m == nil {
		return
	}
	m.viewers.Set(float64(n))
}

func (m *Metrics) ViewersPruned(n int) {
	if m == nil {
		return
	}
	m.viewersPruned.Add(float64(n))
}

func (m *Metrics) HandlerFailed(name string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(name).Inc()
}
