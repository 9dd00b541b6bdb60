package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "sankosides"

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the collectors on reg (prometheus.DefaultRegisterer when nil).
// Registering twice on the same registry panics, so callers build one recorder per process.
func NewPrometheusRecorder(namespace string, reg prometheus.Registerer) *PrometheusRecorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Total number of LLM requests by model, session, agent, and status",
			},
			[]string{"model", "session_id", "agent", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Total number of tokens used in LLM requests",
			},
			[]string{"model", "session_id", "agent", "type"},
		),
		costsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_costs_total",
				Help:      "Total cost in USD for LLM requests",
			},
			[]string{"model", "session_id", "agent"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Duration of LLM requests in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"model", "agent"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flow_stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds, by outcome",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"stage", "outcome"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "llm_circuit_state",
				Help:      "Circuit breaker state per model (0 closed, 1 open, 2 half-open)",
			},
			[]string{"model"},
		),
	}
}

// ObserveRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(r Request) {
	status := "success"
	if !r.Success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(r.Model, r.SessionID, r.Agent, status, r.ErrorType).Inc()

	if r.Success {
		p.tokensTotal.WithLabelValues(r.Model, r.SessionID, r.Agent, "input").Add(float64(r.InputTokens))
		p.tokensTotal.WithLabelValues(r.Model, r.SessionID, r.Agent, "output").Add(float64(r.OutputTokens))
		if r.ThinkingTokens > 0 {
			p.tokensTotal.WithLabelValues(r.Model, r.SessionID, r.Agent, "thinking").Add(float64(r.ThinkingTokens))
		}
		p.costsTotal.WithLabelValues(r.Model, r.SessionID, r.Agent).Add(r.Cost)
	}

	p.requestDuration.WithLabelValues(r.Model, r.Agent).Observe(r.Duration.Seconds())
}

// ObserveStage records a pipeline stage duration.
func (p *PrometheusRecorder) ObserveStage(stage, outcome string, duration time.Duration) {
	p.stageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// SetCircuitState publishes the breaker state for a model.
func (p *PrometheusRecorder) SetCircuitState(model string, state int) {
	p.circuitState.WithLabelValues(model).Set(float64(state))
}
