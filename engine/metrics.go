package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowkit/engine/tools"
)

// Metrics holds the engine's Prometheus collectors (A2), scoped to one
// registry instance rather than package-level globals — the engine is an
// embeddable library and may be constructed more than once in a host
// process (tests, multi-tenant hosts), so its metrics must not collide on
// the default registry the way the teacher's package-level exporter does.
type Metrics struct {
	turnsTotal          *prometheus.CounterVec
	turnDuration        *prometheus.HistogramVec
	stepsTotal          *prometheus.CounterVec
	toolCallsTotal      *prometheus.CounterVec
	toolCallDuration    *prometheus.HistogramVec
	rateLimitRejections *prometheus.CounterVec
	activeSessions      prometheus.Gauge
}

const metricsNamespace = "flowkit"

// newMetrics builds a Metrics and registers its collectors against reg. A
// nil reg uses a fresh, unshared prometheus.Registry so a host that never
// asks for metrics never touches prometheus.DefaultRegisterer.
func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "turns_total",
			Help:      "Total number of turns processed, by outcome.",
		}, []string{"outcome"}), // outcome: suspended, terminated, error

		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "turn_duration_seconds",
			Help:      "Histogram of per-turn processing duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_total",
			Help:      "Total number of flow steps evaluated, by step kind.",
		}, []string{"kind"}),

		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tool_calls_total",
			Help:      "Total number of CALL-TOOL invocations, by tool and status.",
		}, []string{"tool", "status"}),

		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool invocations in seconds.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"tool"}),

		rateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of tool calls rejected by the rate limiter.",
		}, []string{"tool"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently held in memory by the host.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.turnsTotal, m.turnDuration, m.stepsTotal,
		m.toolCallsTotal, m.toolCallDuration, m.rateLimitRejections, m.activeSessions,
	} {
		reg.MustRegister(c)
	}
	return m
}

// recordTurn records one completed turn's outcome and duration.
func (m *Metrics) recordTurn(outcome string, seconds float64) {
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(seconds)
}

// recordToolEvents feeds the per-tool counters/histograms from one turn's
// recorded tool invocations (§4.6 phase 6 events already carry status and
// latency, so this is pure bookkeeping, not a new measurement).
func (m *Metrics) recordToolEvents(events []tools.TransactionEvent) {
	for _, e := range events {
		status := "success"
		if e.Error != "" {
			status = "error"
		}
		m.toolCallsTotal.WithLabelValues(e.Tool, status).Inc()
		m.toolCallDuration.WithLabelValues(e.Tool).Observe(float64(e.LatencyMs) / 1000)
	}
}
