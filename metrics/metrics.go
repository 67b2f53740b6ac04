// Package metrics holds the Prometheus collectors for the registry and the
// router. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hermes"

// Metrics groups every collector Hermes exports.
type Metrics struct {
	gatherer prometheus.Gatherer
	reg      prometheus.Registerer

	registrations     *prometheus.CounterVec
	unregistrations   *prometheus.CounterVec
	components        *prometheus.GaugeVec
	heartbeats        *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec

	published      prometheus.Counter
	deliveries     *prometheus.CounterVec
	retries        prometheus.Counter
	deadLetters    prometheus.Counter
	subscriptions  prometheus.Gauge
	requestLatency prometheus.Histogram
}

// New creates and registers the collectors. With a nil registry a private
// one is created.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		reg:      reg,
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "registrations_total",
			Help: "Successful registrations, by whether an existing record was replaced.",
		}, []string{"replaced"}),
		unregistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "removals_total",
			Help: "Components moved to UNREGISTERED, by reason.",
		}, []string{"reason"}),
		components: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "components",
			Help: "Known components by status.",
		}, []string{"status"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "received_total",
			Help: "Heartbeats processed, by result.",
		}, []string{"result"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "status_transitions_total",
			Help: "Component status transitions.",
		}, []string{"from", "to"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "published_total",
			Help: "Messages accepted by publish.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "delivery_attempts_total",
			Help: "Delivery attempts, by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "retries_scheduled_total",
			Help: "Delivery retries scheduled after a failed attempt.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "dead_letters_total",
			Help: "Messages dead-lettered for a subscriber.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "router", Name: "subscriptions",
			Help: "Active subscriptions.",
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "router", Name: "request_duration_seconds",
			Help:    "Latency of direct component requests.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.registrations, m.unregistrations, m.components, m.heartbeats, m.statusTransitions,
		m.published, m.deliveries, m.retries, m.deadLetters, m.subscriptions, m.requestLatency,
	)
	return m
}

// Registerer exposes the registry for collectors owned by other packages,
// such as worker pools.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Registered(replaced bool) {
	if m == nil {
		return
	}
	label := "false"
	if replaced {
		label = "true"
	}
	m.registrations.WithLabelValues(label).Inc()
}

func (m *Metrics) Removed(reason string) {
	if m == nil {
		return
	}
	m.unregistrations.WithLabelValues(reason).Inc()
}

// StatusChanged moves one component between status gauges. An empty from
// means a new component; an empty to means it was purged.
func (m *Metrics) StatusChanged(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.components.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.components.WithLabelValues(to).Inc()
	}
	if from != "" && to != "" && from != to {
		m.statusTransitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.published.Inc()
}

// DeliveryAttempt records one attempt; result is "delivered" or "failed".
func (m *Metrics) DeliveryAttempt(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) SubscriptionsChanged(delta int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(delta))
}

func (m *Metrics) ObserveRequest(seconds float64) {
	if m == nil {
		return
	}
	m.requestLatency.Observe(seconds)
}
