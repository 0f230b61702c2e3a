package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for appointment lifecycle flows.
type EngineMetrics struct {
	operationsTotal *prometheus.CounterVec
	ledgerMutations *prometheus.CounterVec
	verifyLatency   *prometheus.HistogramVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total lifecycle operations by outcome",
		}, []string{"operation", "outcome"}),
		ledgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "ledger",
			Name:      "mutations_total",
			Help:      "Total wallet credits and debits",
		}, []string{"action", "replayed"}),
		verifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "therapy",
			Subsystem: "payments",
			Name:      "verify_latency_seconds",
			Help:      "Latency of payment provider verification",
			Buckets:   prometheus.DefBuckets,
		}, []string{"shape"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.ledgerMutations, m.verifyLatency)
	return m
}

func (m *EngineMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *EngineMetrics) ObserveLedgerMutation(action string, replayed bool) {
	if m == nil {
		return
	}
	label := "false"
	if replayed {
		label = "true"
	}
	m.ledgerMutations.WithLabelValues(action, label).Inc()
}

func (m *EngineMetrics) ObserveVerifyLatency(shape string, seconds float64) {
	if m == nil {
		return
	}
	m.verifyLatency.WithLabelValues(shape).Observe(seconds)
}
