// Package metrics exposes controller telemetry in the Prometheus text format.
//
// Metrics owns a private registry, so several instances can coexist in one
// process (tests, CLI one-shots). Event counters are fed by the controller
// through the Observer methods. Connection and dispatcher counters are
// read from their Stats snapshots at scrape time.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iamslan/fossibot/internal/audit"
	"github.com/iamslan/fossibot/internal/dispatcher"
	"github.com/iamslan/fossibot/internal/orchestrator"
	"github.com/iamslan/fossibot/internal/state"
)

const namespace = "fossibot"

// allStates lists every connection state so the state gauge always
// reports one row per state.
var allStates = []orchestrator.State{
	orchestrator.StateDisconnected,
	orchestrator.StateEndpointResolving,
	orchestrator.StateConnecting,
	orchestrator.StateHandshaking,
	orchestrator.StateSubscribing,
	orchestrator.StateConnected,
	orchestrator.StateReconnecting,
}

// Metrics holds the controller's Prometheus collectors.
//
// Thread Safety: All methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	framesDecoded  *prometheus.CounterVec
	framesRejected *prometheus.CounterVec
	writes         *prometheus.CounterVec
	writeLatency   prometheus.Histogram
	connState      *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	fieldValue     *prometheus.GaugeVec
	deviceStale    *prometheus.GaugeVec
	deviceUpdated  *prometheus.GaugeVec

	mu      sync.Mutex
	sources bool
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Inbound frames decoded and applied, by kind.",
		}, []string{"kind"}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Inbound messages discarded, by reason.",
		}, []string{"reason"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Write commands by final outcome.",
		}, []string{"outcome"}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_ack_latency_seconds",
			Help:      "Time from sending a write to its acknowledgement.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions, by target state.",
		}, []string{"to"}),
		fieldValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_field_value",
			Help:      "Last known value of a numeric or boolean device field.",
		}, []string{"device", "field"}),
		deviceStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_stale",
			Help:      "1 when the device's values predate a connection loss.",
		}, []string{"device"}),
		deviceUpdated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_last_update_timestamp_seconds",
			Help:      "Unix time of the last applied state change.",
		}, []string{"device"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesDecoded,
		m.framesRejected,
		m.writes,
		m.writeLatency,
		m.connState,
		m.transitions,
		m.fieldValue,
		m.deviceStale,
		m.deviceUpdated,
	)

	for _, s := range allStates {
		m.connState.WithLabelValues(s.String()).Set(0)
	}
	m.connState.WithLabelValues(orchestrator.StateDisconnected.String()).Set(1)
	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ============================================================================
// Controller observer
// ============================================================================

// FrameDecoded counts an applied inbound frame.
func (m *Metrics) FrameDecoded(kind string) {
	m.framesDecoded.WithLabelValues(kind).Inc()
}

// FrameRejected counts a discarded inbound message.
func (m *Metrics) FrameRejected(reason string) {
	m.framesRejected.WithLabelValues(reason).Inc()
}

// WriteResolved counts a write outcome. Latency is observed only for
// acknowledged writes.
func (m *Metrics) WriteResolved(outcome audit.Outcome, latency time.Duration) {
	m.writes.WithLabelValues(string(outcome)).Inc()
	if outcome == audit.OutcomeAcknowledged && latency > 0 {
		m.writeLatency.Observe(latency.Seconds())
	}
}

// ============================================================================
// Connection and state
// ============================================================================

// ObserveState records a connection state transition. It has the
// orchestrator.StateChangeFunc signature.
func (m *Metrics) ObserveState(from, to orchestrator.State) {
	m.connState.WithLabelValues(from.String()).Set(0)
	m.connState.WithLabelValues(to.String()).Set(1)
	m.transitions.WithLabelValues(to.String()).Inc()
}

// ObserveDevice exports a device snapshot. Fields that are neither numbers
// nor booleans (labels such as LED mode) are skipped.
func (m *Metrics) ObserveDevice(ds state.DeviceState) {
	for name, v := range ds.Fields {
		if f, ok := numeric(v); ok {
			m.fieldValue.WithLabelValues(ds.DeviceID, name).Set(f)
		}
	}
	stale := 0.0
	if ds.Stale() {
		stale = 1
	}
	m.deviceStale.WithLabelValues(ds.DeviceID).Set(stale)
	if !ds.UpdatedAt.IsZero() {
		m.deviceUpdated.WithLabelValues(ds.DeviceID).Set(float64(ds.UpdatedAt.Unix()))
	}
}

// RegisterSources adds a collector that reads orchestrator and dispatcher
// counters on each scrape. Either source may be nil. Only the first call
// registers.
func (m *Metrics) RegisterSources(orch func() orchestrator.Stats, disp func() dispatcher.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sources {
		return nil
	}
	if err := m.registry.Register(newStatsCollector(orch, disp)); err != nil {
		return err
	}
	m.sources = true
	return nil
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
