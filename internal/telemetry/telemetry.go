// Package telemetry defines the injected metrics sink used by the
// Connection Manager's scavenger and connection lifecycle. Metrics sources
// are an injected interface rather than a process-wide singleton, so tests
// stay isolated from the default Prometheus registry.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives telemetry events from the Connection Manager. Callers that
// do not care about metrics can use Noop; production callers typically use
// NewPrometheusSink.
type Sink interface {
	ObserveScavengerScan(d time.Duration)
	SetActiveConnections(n int)
	ConnectionCreated()
	ConnectionRemoved()
}

// noopSink discards every event.
type noopSink struct{}

func (noopSink) ObserveScavengerScan(time.Duration) {}
func (noopSink) SetActiveConnections(int)           {}
func (noopSink) ConnectionCreated()                 {}
func (noopSink) ConnectionRemoved()                 {}

// Noop is a Sink that discards all events.
var Noop Sink = noopSink{}

// PrometheusSink records events on a private set of collectors registered
// against the given registerer, so multiple Connection Managers in one
// process (or in tests) do not collide on the default registry.
type PrometheusSink struct {
	scavengerScanSeconds prometheus.Histogram
	activeConnections    prometheus.Gauge
	connectionsCreated   prometheus.Counter
	connectionsRemoved   prometheus.Counter
}

// NewPrometheusSink constructs and registers the Connection Manager's
// collectors against reg. Pass prometheus.DefaultRegisterer for normal
// process-wide metrics, or a fresh prometheus.NewRegistry() in tests.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		scavengerScanSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hubrpc",
			Subsystem: "connmanager",
			Name:      "scavenger_scan_seconds",
			Help:      "Duration of one scavenger scan pass over the connection registry.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hubrpc",
			Subsystem: "connmanager",
			Name:      "active_connections",
			Help:      "Number of connections currently tracked by the registry.",
		}),
		connectionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hubrpc",
			Subsystem: "connmanager",
			Name:      "connections_created_total",
			Help:      "Total connections created.",
		}),
		connectionsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hubrpc",
			Subsystem: "connmanager",
			Name:      "connections_removed_total",
			Help:      "Total connections removed.",
		}),
	}
	reg.MustRegister(s.scavengerScanSeconds, s.activeConnections, s.connectionsCreated, s.connectionsRemoved)
	return s
}

func (s *PrometheusSink) ObserveScavengerScan(d time.Duration) { s.scavengerScanSeconds.Observe(d.Seconds()) }
func (s *PrometheusSink) SetActiveConnections(n int)           { s.activeConnections.Set(float64(n)) }
func (s *PrometheusSink) ConnectionCreated()                   { s.connectionsCreated.Inc() }
func (s *PrometheusSink) ConnectionRemoved()                   { s.connectionsRemoved.Inc() }
