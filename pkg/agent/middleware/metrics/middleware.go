package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/resilience/circuit"
	"github.com/Kevin-nav/sankosides/pkg/logx"
	"github.com/Kevin-nav/sankosides/pkg/usage"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageFor returns the provider-reported usage, or a tiktoken estimate when the provider
// reported nothing. Estimated responses have Usage.Estimated set.
func UsageFor(req llm.CompletionRequest, resp llm.CompletionResponse) llm.TokenUsage {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return resp.Usage
	}
	prompts := make([]string, len(req.Messages))
	for i := range req.Messages {
		prompts[i] = req.Messages[i].Content
	}
	est := usage.Estimate(prompts, resp.Content)
	return llm.TokenUsage{InputTokens: est.InputTokens, OutputTokens: est.OutputTokens, Estimated: true}
}

// Middleware returns a middleware function that records metrics for LLM operations.
// It fills in estimated usage on responses that lack it, so downstream callers can
// always charge the session ledger from resp.Usage.
func Middleware(recorder Recorder) llm.Middleware {
	if recorder == nil {
		recorder = Nop()
	}
	logger := logx.NewLogger("llm-metrics")

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				r := Request{
					Model:     model,
					SessionID: logx.SessionFrom(ctx),
					Agent:     AgentFrom(ctx),
					Success:   err == nil,
					ErrorType: getErrorType(err),
					Duration:  duration,
				}
				if err == nil {
					resp.Usage = UsageFor(req, resp)
					r.InputTokens = resp.Usage.InputTokens
					r.OutputTokens = resp.Usage.OutputTokens
					r.ThinkingTokens = resp.Usage.ThinkingTokens
					r.Cost = usage.Cost(model, usage.Usage{
						InputTokens:    resp.Usage.InputTokens,
						OutputTokens:   resp.Usage.OutputTokens,
						ThinkingTokens: resp.Usage.ThinkingTokens,
					})
				}
				recorder.ObserveRequest(r)

				status := statusSuccess
				if err != nil {
					status = statusError
				}
				logger.Session(r.SessionID).Debug("LLM request: model=%s agent=%s tokens=%d+%d status=%s duration=%dms",
					model, r.Agent, r.InputTokens, r.OutputTokens, status, duration.Milliseconds())

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				ch, err := next.Stream(ctx, req)

				// Only stream setup is observed; tokens would require consuming the stream.
				recorder.ObserveRequest(Request{
					Model:     next.GetModelName(),
					SessionID: logx.SessionFrom(ctx),
					Agent:     AgentFrom(ctx),
					Success:   err == nil,
					ErrorType: getErrorType(err),
					Duration:  time.Since(start),
				})
				return ch, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

// getErrorType classifies errors for metrics labeling.
func getErrorType(err error) string {
	if err == nil {
		return ""
	}
	var circuitErr *circuit.Error
	switch {
	case errors.As(err, &circuitErr):
		return "circuit_breaker"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.Type.String()
	}
	return "unknown"
}
