package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestEngineMetricsObserve(t *testing.T) {
	m := NewEngineMetrics(prometheus.NewRegistry())
	m.ObserveOperation("cancel", "ok")
	m.ObserveLedgerMutation("credit", false)
	m.ObserveVerifyLatency("checkout_session", 0.5)
}

func TestEngineMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg)
	m.ObserveLedgerMutation("debit", true)
}

func TestEngineMetricsNilSafe(t *testing.T) {
	var m *EngineMetrics
	m.ObserveOperation("complete_session", "conflict")
	m.ObserveLedgerMutation("credit", false)
	m.ObserveVerifyLatency("payment_intent", 0.1)
}
