// Package metrics wires hostbridge's connection engine to a Prometheus
// registry, the way mercator-hq-jupiter's telemetry/metrics.Collector
// wires its request pipeline: a handful of pre-registered instruments
// behind small recording methods, so call sites stay one-liners.
//
// The package serves no HTTP endpoint; Registry returns the registry
// for whoever holds the Collector. server.Run creates its Collector
// internally and does not return it, so its registry is not reachable
// by Run's caller.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds every instrument the connection engine and its
// collaborators record against.
type Collector struct {
	registry *prometheus.Registry

	connectionsAccepted  *prometheus.CounterVec
	connectionsActive    prometheus.Gauge
	connectionDuration   prometheus.Histogram
	routeMisses          prometheus.Counter
	upstreamDialFailures prometheus.Counter
	responsesByStatus    *prometheus.CounterVec
	certificatesIssued   prometheus.Counter
	bridgesActive        prometheus.Gauge
}

// New creates a Collector and registers its instruments with registry.
// If registry is nil, a fresh, private prometheus.Registry is created
// (never the global default, so tests and multiple instances never
// collide on registration).
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		connectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Accepted client connections by listener kind (plain, tls).",
		}, []string{"kind"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostbridge",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Connections currently owned by the engine.",
		}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hostbridge",
			Subsystem: "connections",
			Name:      "duration_seconds",
			Help:      "Lifetime of a connection from accept to teardown.",
			Buckets:   prometheus.DefBuckets,
		}),
		routeMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "routes",
			Name:      "misses_total",
			Help:      "Requests for a host with no configured route.",
		}),
		upstreamDialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "upstream",
			Name:      "dial_failures_total",
			Help:      "Failed upstream dials (DNS, connect, or timeout).",
		}),
		responsesByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "responses",
			Name:      "total",
			Help:      "Responses written to clients by status code.",
		}, []string{"status"}),
		certificatesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "certificates",
			Name:      "issued_total",
			Help:      "Self-signed certificates generated by the certificate provider.",
		}),
		bridgesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostbridge",
			Subsystem: "websocket",
			Name:      "bridges_active",
			Help:      "WebSocket bridges currently relaying traffic.",
		}),
	}

	registry.MustRegister(
		c.connectionsAccepted,
		c.connectionsActive,
		c.connectionDuration,
		c.routeMisses,
		c.upstreamDialFailures,
		c.responsesByStatus,
		c.certificatesIssued,
		c.bridgesActive,
	)
	return c
}

// Registry returns the underlying prometheus.Registry so the caller
// can expose it (e.g. via promhttp.HandlerFor).
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) ConnectionAccepted(kind string) { c.connectionsAccepted.WithLabelValues(kind).Inc() }
func (c *Collector) ConnectionOpened()              { c.connectionsActive.Inc() }
func (c *Collector) ConnectionClosed(seconds float64) {
	c.connectionsActive.Dec()
	c.connectionDuration.Observe(seconds)
}
func (c *Collector) RouteMiss()           { c.routeMisses.Inc() }
func (c *Collector) UpstreamDialFailure() { c.upstreamDialFailures.Inc() }
func (c *Collector) ResponseStatus(status string) {
	c.responsesByStatus.WithLabelValues(status).Inc()
}
func (c *Collector) CertificateIssued() { c.certificatesIssued.Inc() }
func (c *Collector) BridgeOpened()      { c.bridgesActive.Inc() }
func (c *Collector) BridgeClosed()      { c.bridgesActive.Dec() }
