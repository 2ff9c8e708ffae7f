// Package metrics centralizes Prometheus instrument construction behind a
// Metrics type, the same Create*/Get*Counter factory-method shape
// pkg/flow/tracer_map.go's MapTracer consumes (NewMapTracer(..., m
// *metrics.Metrics) and m.CreateHashMapCounter()/m.GetErrorsCounter()),
// generalized from eBPF map-eviction counters to this pipeline's own
// instruments: dropped-frame/error counters per spec §7's error kinds,
// active/expired flow gauges, and transport retry/drop counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vermont"

// ErrorCounter is a CounterVec keyed by error kind (protocol, capture,
// resource, transport), mirroring the teacher's *metrics.ErrorCounter
// passed into MapTracer for per-cause error accounting.
type ErrorCounter struct {
	vec *prometheus.CounterVec
}

// WithErrorName returns the counter for the named kind; it does not
// increment it.
func (e *ErrorCounter) WithErrorName(kind string) prometheus.Counter {
	return e.vec.WithLabelValues(kind)
}

// Metrics owns every Prometheus instrument this pipeline exports and a
// handle on the Registerer they were added to. Handler serves the default
// registry, not this Registerer.
type Metrics struct {
	registerer prometheus.Registerer

	errors *ErrorCounter

	droppedFrames          prometheus.Counter
	transportRetries       prometheus.Counter
	transportDropped       prometheus.Counter
	activeFlows            prometheus.Gauge
	expiredFlows           *prometheus.CounterVec
	tableInputQueueDropped *prometheus.CounterVec
}

// NewMetrics builds and registers every instrument against registerer. Pass
// prometheus.DefaultRegisterer in production, prometheus.NewRegistry() in
// tests that need isolation from the global registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		registerer: registerer,
		errors: &ErrorCounter{vec: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Count of errors observed, by kind (protocol, capture, resource, transport).",
		}, []string{"kind"})},
		droppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Count of captured frames dropped because a subscriber queue was full.",
		}),
		transportRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_retries_total",
			Help:      "Count of transient transport write failures retried.",
		}),
		transportDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_dropped_total",
			Help:      "Count of messages dropped after a permanent transport failure or exhausting retries.",
		}),
		activeFlows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_flows",
			Help:      "Current number of FlowRecords resident across every Rule's table.",
		}),
		expiredFlows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_flows_total",
			Help:      "Count of FlowRecords handed to the exporter, by expiry reason.",
		}, []string{"reason"}),
		tableInputQueueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_input_dropped_total",
			Help:      "Count of packets/data records dropped because a Rule's table input queue was full, by rule id.",
		}, []string{"rule"}),
	}
}

// GetErrorsCounter returns the shared per-kind error counter.
func (m *Metrics) GetErrorsCounter() *ErrorCounter { return m.errors }

// CreateDroppedFramesCounter returns the capture-stage drop counter.
func (m *Metrics) CreateDroppedFramesCounter() prometheus.Counter { return m.droppedFrames }

// CreateTransportRetriesCounter returns the exporter retry counter.
func (m *Metrics) CreateTransportRetriesCounter() prometheus.Counter { return m.transportRetries }

// CreateTransportDroppedCounter returns the exporter drop counter.
func (m *Metrics) CreateTransportDroppedCounter() prometheus.Counter { return m.transportDropped }

// ActiveFlowsGauge returns the gauge cmd/vermontd periodically sets to
// Coordinator.Len().
func (m *Metrics) ActiveFlowsGauge() prometheus.Gauge { return m.activeFlows }

// ExpiredFlowsCounter returns the per-reason expired-flow counter vector.
func (m *Metrics) ExpiredFlowsCounter() *prometheus.CounterVec { return m.expiredFlows }

// TableInputDroppedCounter returns the per-rule table-input-queue drop
// counter vector.
func (m *Metrics) TableInputDroppedCounter() *prometheus.CounterVec {
	return m.tableInputQueueDropped
}

// Handler returns the promhttp handler cmd/vermontd mounts at
// Config.MetricsAddress.
func Handler() http.Handler {
	return promhttp.Handler()
}
