package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Reasons recorded on the dropped counter. Every message the bridge accepts
// but does not persist is counted under exactly one of these.
const (
	DropInvalidTopic     = "invalid_topic"
	DropRetriesExhausted = "retries_exhausted"
	DropPermanentError   = "permanent_error"
	DropQueueOverflow    = "queue_overflow"
	DropShutdownDrain    = "shutdown_drain"
)

// Metrics holds the Prometheus collectors for the ingestion bridge.
type Metrics struct {
	received     *prometheus.CounterVec
	stored       *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	storeRetries prometheus.Counter
	connState    prometheus.Gauge
	reconnects   prometheus.Counter

	registerer prometheus.Registerer
	registered bool
	mu         sync.Mutex
}

// newCounterVec creates a counter vec in the rawstore namespace.
func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rawstore",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collector set. A nil registerer falls back to the
// process-wide default registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer: registerer,
		received:   newCounterVec("ingest", "received_total", "Total number of broker messages handed to the pipeline", []string{"topic"}),
		stored:     newCounterVec("ingest", "stored_total", "Total number of messages durably written to the store", []string{"topic"}),
		dropped:    newCounterVec("ingest", "dropped_total", "Total number of messages accepted but not persisted", []string{"topic", "reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rawstore",
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Number of messages waiting in the intake queue",
		}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rawstore",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Total number of store write attempts that were retried",
		}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rawstore",
			Subsystem: "broker",
			Name:      "connection_state",
			Help:      "Current broker connection state (0=disconnected through 6=closing)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rawstore",
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Total number of times the broker connection was lost and re-established",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.received,
		m.stored,
		m.dropped,
		m.queueDepth,
		m.storeRetries,
		m.connState,
		m.reconnects,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// IncReceived counts a message arriving from the broker.
func (m *Metrics) IncReceived(topic string) {
	m.received.WithLabelValues(topic).Inc()
}

// IncStored counts a message durably written to the store.
func (m *Metrics) IncStored(topic string) {
	m.stored.WithLabelValues(topic).Inc()
}

// IncDropped counts a message the bridge accepted but did not persist.
func (m *Metrics) IncDropped(topic, reason string) {
	m.dropped.WithLabelValues(topic, reason).Inc()
}

// SetQueueDepth records the current intake queue occupancy.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// IncStoreRetries counts one retried store write attempt.
func (m *Metrics) IncStoreRetries() {
	m.storeRetries.Inc()
}

// SetConnectionState records the broker connection state as a numeric gauge.
func (m *Metrics) SetConnectionState(state int) {
	m.connState.Set(float64(state))
}

// IncReconnects counts one broker reconnect cycle.
func (m *Metrics) IncReconnects() {
	m.reconnects.Inc()
}
