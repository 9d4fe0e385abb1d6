package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seipulse/internal/txqueue"
)

// Metrics owns the service's prometheus registry. It implements txqueue.Observer.
type Metrics struct {
	registry      *prometheus.Registry
	enqueuedTotal *prometheus.CounterVec
	attemptsTotal *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	replaysTotal  prometheus.Counter
}

func NewMetrics() *Metrics {
	enqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seipulse_tx_enqueued_total",
		Help: "Transactions added to the offline queue",
	}, []string{"kind"})

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seipulse_tx_attempts_total",
		Help: "Submission attempts by outcome",
	}, []string{"kind", "result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seipulse_tx_transitions_total",
		Help: "Queue status transitions by target status",
	}, []string{"status"})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "seipulse_tx_queue_depth",
		Help: "Queued transactions by status",
	}, []string{"status"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seipulse_idempotent_replays_total",
		Help: "Enqueue requests answered from an earlier idempotency key",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(enqueued, attempts, transitions, depth, replays)

	return &Metrics{
		registry:      r,
		enqueuedTotal: enqueued,
		attemptsTotal: attempts,
		transitions:   transitions,
		queueDepth:    depth,
		replaysTotal:  replays,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Enqueued(kind txqueue.Kind) {
	m.enqueuedTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Attempted(kind txqueue.Kind, result string) {
	m.attemptsTotal.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) Transitioned(status txqueue.Status) {
	m.transitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Depth(counts map[txqueue.Status]int) {
	for status, n := range counts {
		m.queueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (m *Metrics) incReplay() {
	m.replaysTotal.Inc()
}
