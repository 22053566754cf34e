package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"revertprobe/internal/txflow"
)

// Metrics is the service's Prometheus registry. It also observes the transaction
// controller, so it is created before the controller and handed to both.
type Metrics struct {
	registry            *prometheus.Registry
	transitionsTotal    *prometheus.CounterVec
	connectsTotal       *prometheus.CounterVec
	refreshFailures     prometheus.Counter
	discoveredProviders prometheus.Gauge
	sessionActive       prometheus.Gauge
}

var _ txflow.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "revertprobe_operation_transitions_total",
		Help: "Operation status transitions by operation and phase",
	}, []string{"operation", "phase"})

	connects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "revertprobe_connect_attempts_total",
		Help: "Wallet connection attempts by result",
	}, []string{"result"})

	refresh := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revertprobe_refresh_failures_total",
		Help: "Counter or balance refreshes that failed",
	})

	discovered := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "revertprobe_discovered_providers",
		Help: "Providers found by the last discovery round",
	})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "revertprobe_session_active",
		Help: "1 while a wallet session is established",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(transitions, connects, refresh, discovered, active)

	return &Metrics{
		registry:            r,
		transitionsTotal:    transitions,
		connectsTotal:       connects,
		refreshFailures:     refresh,
		discoveredProviders: discovered,
		sessionActive:       active,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(operation string, phase txflow.Phase) {
	m.transitionsTotal.WithLabelValues(operation, phase.String()).Inc()
}

func (m *Metrics) RefreshFailed() {
	m.refreshFailures.Inc()
}

func (m *Metrics) incConnect(result string) {
	m.connectsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) setDiscovered(n int) {
	m.discoveredProviders.Set(float64(n))
}

func (m *Metrics) setSessionActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.sessionActive.Set(v)
}
