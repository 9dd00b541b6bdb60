// Package metrics provides metrics recording for LLM client operations and flow stages.
package metrics

import (
	"context"
	"time"
)

type ctxKey int

const agentKey ctxKey = iota

// WithAgent tags ctx with the pipeline agent making LLM calls (outline, planner, qa, ...).
// The session comes from logx.WithSession.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// AgentFrom returns the agent tagged by WithAgent, or "unknown".
func AgentFrom(ctx context.Context) string {
	if a, ok := ctx.Value(agentKey).(string); ok && a != "" {
		return a
	}
	return "unknown"
}

// Request is one observed LLM call.
type Request struct {
	Model          string
	SessionID      string
	Agent          string
	InputTokens    int
	OutputTokens   int
	ThinkingTokens int
	Cost           float64
	Success        bool
	ErrorType      string
	Duration       time.Duration
}

// Recorder defines the interface for recording LLM and flow metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(r Request)

	// ObserveStage records how long a pipeline stage took and how it ended
	// (completed, recovered, escalated, infra_error).
	ObserveStage(stage, outcome string, duration time.Duration)

	// SetCircuitState publishes the breaker state for a model (0 closed, 1 open, 2 half-open).
	SetCircuitState(model string, state int)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(Request) {}

// ObserveStage does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveStage(string, string, time.Duration) {}

// SetCircuitState does nothing in the no-op recorder.
func (n *NoopRecorder) SetCircuitState(string, int) {}
