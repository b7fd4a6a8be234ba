// Package metrics exposes prometheus instrumentation for the chat server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery kinds and outcomes used as label values.
const (
	DeliveryLive         = "live"
	DeliveryBacklog      = "backlog"
	OutcomeAcknowledged  = "acknowledged"
	OutcomePending       = "pending"
	defaultNamespace     = "resonance"
	componentSizeBuckets = 10
)

// Collector holds the prometheus metrics and the private registry they are registered on.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	ConnectionsOpen prometheus.Gauge
	Events          *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	ComponentSize   prometheus.Histogram
	TraversalWaves  prometheus.Histogram
}

// NewCollector creates and registers every metric under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	registry := prometheus.NewRegistry()

	connectionsOpen := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Number of open client connections",
		},
	)

	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of inbound client events accepted",
		},
		[]string{"event"},
	)

	deliveries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of message pushes by kind and acknowledgment outcome",
		},
		[]string{"kind", "outcome"},
	)

	componentSize := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "component_size",
			Help:      "Number of users in traversed components",
			Buckets:   prometheus.ExponentialBuckets(1, 2, componentSizeBuckets),
		},
	)

	traversalWaves := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "traversal_waves",
			Help:      "Number of frontier waves per traversal",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)

	registry.MustRegister(
		connectionsOpen,
		events,
		deliveries,
		componentSize,
		traversalWaves,
	)

	return &Collector{
		registry:        registry,
		ConnectionsOpen: connectionsOpen,
		Events:          events,
		Deliveries:      deliveries,
		ComponentSize:   componentSize,
		TraversalWaves:  traversalWaves,
	}
}

// Handler serves the collector in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.ConnectionsOpen.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.ConnectionsOpen.Dec()
}

func (c *Collector) ObserveEvent(event string) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(event).Inc()
}

func (c *Collector) ObserveDelivery(kind string, acknowledged bool) {
	if c == nil {
		return
	}
	outcome := OutcomePending
	if acknowledged {
		outcome = OutcomeAcknowledged
	}
	c.Deliveries.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) ObserveTraversal(waves, size int) {
	if c == nil {
		return
	}
	c.TraversalWaves.Observe(float64(waves))
	c.ComponentSize.Observe(float64(size))
}
