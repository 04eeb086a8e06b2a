package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/go-concord/infrastructure/llm"
	"github.com/ahrav/go-concord/internal/ports"
)

// Metric names the orchestrator reports through ports.MetricsCollector.
const (
	MetricStageDuration  = "stage_duration"
	MetricBackendOutcome = "backend_calls"
	MetricConsensus      = "consensus"
	MetricTrials         = "trials"
)

// PrometheusMetrics implements ports.MetricsCollector on Prometheus.
// Known metric names map onto dedicated vectors; anything else lands in
// the generic operation counter, gauge and histogram.
type PrometheusMetrics struct {
	stageDuration  *prometheus.HistogramVec
	backendCalls   *prometheus.CounterVec
	consensus      *prometheus.CounterVec
	trials         *prometheus.CounterVec
	trialCost      prometheus.Histogram
	budgetExceeded *prometheus.CounterVec

	backendLatency  *prometheus.HistogramVec
	backendRequests *prometheus.CounterVec
	backendTokens   *prometheus.CounterVec

	breakerState  *prometheus.GaugeVec
	breakerEvents *prometheus.CounterVec

	operationLatency *prometheus.HistogramVec
	operationCounter *prometheus.CounterVec
	systemGauges     *prometheus.GaugeVec
}

// NewPrometheusMetrics registers every metric with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "concord_stage_duration_seconds",
				Help:    "Time spent in each trial state.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		backendCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concord_backend_calls_total",
				Help: "Backend calls made by trial stages, by role and outcome.",
			},
			[]string{"backend", "role", "outcome"},
		),
		consensus: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concord_consensus_total",
				Help: "Consensus results by component and kind.",
			},
			[]string{"component", "kind"},
		),
		trials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concord_trials_total",
				Help: "Finished trials by terminal state and quality verdict.",
			},
			[]string{"state", "quality"},
		),
		trialCost: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "concord_trial_cost",
				Help:    "Estimated dollar cost per trial.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		budgetExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concord_budget_exceeded_total",
				Help: "Trials ended by a budget breach.",
			},
			[]string{"limit_type"},
		),
		backendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "concord_backend_request_duration_seconds",
				Help:    "Latency of provider requests.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"backend", "model", "status"},
		),
		backendRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concord_backend_requests_total",
				Help: "Provider requests by status.",
			},
			[]string{"backend", "model", "status"},
		),
		backendTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concord_backend_tokens_total",
				Help: "Tokens consumed by provider requests.",
			},
			[]string{"backend", "model", "token_type"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "concord_circuit_breaker_state",
				Help: "Circuit breaker state per backend (0 closed, 1 open, 2 half-open).",
			},
			[]string{"backend"},
		),
		breakerEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concord_circuit_breaker_events_total",
				Help: "Circuit breaker outcomes per backend.",
			},
			[]string{"backend", "event"},
		),
		operationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "concord_operation_duration_seconds",
				Help:    "Latency of operations without a dedicated metric.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		operationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concord_operations_total",
				Help: "Events without a dedicated metric.",
			},
			[]string{"operation"},
		),
		systemGauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "concord_system_state",
				Help: "Point-in-time values without a dedicated metric.",
			},
			[]string{"metric"},
		),
	}
}

// RecordLatency implements ports.MetricsCollector.
func (pm *PrometheusMetrics) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	switch operation {
	case MetricStageDuration:
		pm.stageDuration.WithLabelValues(label(labels, "stage")).Observe(duration.Seconds())
	case llm.MetricBackendLatency:
		pm.backendLatency.WithLabelValues(
			label(labels, "backend"), label(labels, "model"), label(labels, "status"),
		).Observe(duration.Seconds())
	default:
		pm.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordCounter implements ports.MetricsCollector.
func (pm *PrometheusMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	switch metric {
	case MetricBackendOutcome:
		pm.backendCalls.WithLabelValues(
			label(labels, "backend"), label(labels, "role"), label(labels, "outcome"),
		).Add(value)
	case MetricConsensus:
		pm.consensus.WithLabelValues(label(labels, "component"), label(labels, "kind")).Add(value)
	case MetricTrials:
		pm.trials.WithLabelValues(label(labels, "state"), label(labels, "quality")).Add(value)
	case MetricBudgetExceeded:
		pm.budgetExceeded.WithLabelValues(label(labels, "limit_type")).Add(value)
	case llm.MetricBackendCalls:
		pm.backendRequests.WithLabelValues(
			label(labels, "backend"), label(labels, "model"), label(labels, "status"),
		).Add(value)
	case llm.MetricBackendTokens:
		pm.backendTokens.WithLabelValues(
			label(labels, "backend"), label(labels, "model"), label(labels, "token_type"),
		).Add(value)
	default:
		pm.operationCounter.WithLabelValues(metric).Add(value)
	}
}

// RecordGauge implements ports.MetricsCollector.
func (pm *PrometheusMetrics) RecordGauge(metric string, value float64, _ map[string]string) {
	pm.systemGauges.WithLabelValues(metric).Set(value)
}

// RecordHistogram implements ports.MetricsCollector.
func (pm *PrometheusMetrics) RecordHistogram(metric string, value float64, labels map[string]string) {
	switch metric {
	case MetricTrialCost:
		pm.trialCost.Observe(value)
	case llm.MetricBackendLatency:
		pm.backendLatency.WithLabelValues(
			label(labels, "backend"), label(labels, "model"), label(labels, "status"),
		).Observe(value)
	default:
		pm.operationLatency.WithLabelValues(metric).Observe(value)
	}
}

// CircuitBreaker returns an observer reporting breaker outcomes and
// state under the given backend label.
func (pm *PrometheusMetrics) CircuitBreaker(backend string) llm.BreakerObserver {
	return breakerObserver{pm: pm, backend: backend}
}

type breakerObserver struct {
	pm      *PrometheusMetrics
	backend string
}

func (b breakerObserver) ObserveBreaker(outcome llm.BreakerOutcome, state llm.BreakerState) {
	b.pm.breakerEvents.WithLabelValues(b.backend, string(outcome)).Inc()
	b.pm.breakerState.WithLabelValues(b.backend).Set(float64(state))
}

func label(labels map[string]string, key string) string {
	if v, ok := labels[key]; ok && v != "" {
		return v
	}
	return "unknown"
}

var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)
