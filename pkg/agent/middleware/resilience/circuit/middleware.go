// Package circuit provides circuit breaker middleware for LLM clients.
package circuit

import (
	"context"
	"errors"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
)

// Middleware returns a middleware function that wraps an LLM client with circuit breaker logic.
// If the circuit is OPEN, requests are rejected immediately with a ServiceUnavailable error
// wrapping *Error. Only infrastructure failures count against the circuit; a rejected prompt
// or bad key still proves the backend is reachable.
func Middleware(breaker Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					return llm.CompletionResponse{}, rejected(breaker)
				}
				resp, err := next.Complete(ctx, req)
				record(breaker, err)
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if !breaker.Allow() {
					return nil, rejected(breaker)
				}
				// Only stream establishment is tracked.
				ch, err := next.Stream(ctx, req)
				record(breaker, err)
				return ch, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

func rejected(b Breaker) error {
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeServiceUnavailable, &Error{State: b.GetState()}, "circuit open")
}

func record(b Breaker, err error) {
	switch {
	case err == nil:
		b.Record(true)
	case errors.Is(err, context.Canceled):
		// caller gave up; says nothing about the backend
	case llmerrors.IsInfrastructure(err) || errors.Is(err, context.DeadlineExceeded):
		b.Record(false)
	default:
		b.Record(true)
	}
}
