package bridge

import (
	"net/http"

	"settlement-bridge/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry              *prometheus.Registry
	stateTransitionsTotal *prometheus.CounterVec
	sinkAttemptsTotal     *prometheus.CounterVec
	anomaliesTotal        prometheus.Counter
	strandedTotal         prometheus.Counter
	inFlight              prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_settlement_state_transitions_total",
		Help: "Settlement state transitions by resulting state",
	}, []string{"state"})

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_sink_attempts_total",
		Help: "Calls attempted against external sinks",
	}, []string{"sink"})

	anomalies := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_conflicting_signals_total",
		Help: "Conflicting ledger signals logged but not applied",
	})

	stranded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_stranded_settlements_total",
		Help: "Settlements minted but not remitted, awaiting manual reconciliation",
	})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_settlements_in_flight",
		Help: "Non-terminal settlement records at last recovery scan",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(transitions, attempts, anomalies, stranded, inFlight)

	return &metricsRegistry{
		registry:              r,
		stateTransitionsTotal: transitions,
		sinkAttemptsTotal:     attempts,
		anomaliesTotal:        anomalies,
		strandedTotal:         stranded,
		inFlight:              inFlight,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) StateTransition(state store.State) {
	m.stateTransitionsTotal.WithLabelValues(string(state)).Inc()
}

func (m *metricsRegistry) SinkAttempt(sink string) {
	m.sinkAttemptsTotal.WithLabelValues(sink).Inc()
}

func (m *metricsRegistry) Anomaly() {
	m.anomaliesTotal.Inc()
}

func (m *metricsRegistry) Stranded() {
	m.strandedTotal.Inc()
}

func (m *metricsRegistry) setInFlight(n int) {
	m.inFlight.Set(float64(n))
}
