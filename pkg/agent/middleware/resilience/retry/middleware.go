// Package retry provides retry middleware for LLM clients.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/logx"
)

// Middleware returns a middleware function that wraps an LLM client with retry logic.
// Retryable failures are retried with exponential backoff. When attempts run out on an
// infrastructure failure the error is converted to ServiceUnavailable so the flow engine
// treats it as an outage instead of a stage failure.
func Middleware(policy *Policy) llm.Middleware {
	logger := logx.NewLogger("retry")

	return func(next llm.LLMClient) llm.LLMClient {
		do := func(ctx context.Context, call func() error) error {
			var lastErr error
			for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
				if attempt > 1 {
					if delay := policy.CalculateDelay(attempt); delay > 0 {
						timer := time.NewTimer(delay)
						select {
						case <-ctx.Done():
							timer.Stop()
							return fmt.Errorf("retry cancelled: %w", ctx.Err())
						case <-timer.C:
						}
					}
				}

				err := call()
				if err == nil {
					return nil
				}
				lastErr = err

				if !policy.ShouldRetry(err) || attempt >= policy.Config.MaxAttempts {
					break
				}
				logger.Debug("%s attempt %d/%d failed, retrying: %v", next.GetModelName(), attempt, policy.Config.MaxAttempts, err)
			}

			if policy.ShouldRetry(lastErr) && exhaustedIsInfrastructure(lastErr) {
				return llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
			}
			return lastErr
		}

		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var resp llm.CompletionResponse
				err := do(ctx, func() error {
					var callErr error
					resp, callErr = next.Complete(ctx, req)
					return callErr
				})
				if err != nil {
					return llm.CompletionResponse{}, err
				}
				return resp, nil
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				var ch <-chan llm.StreamChunk
				err := do(ctx, func() error {
					var callErr error
					ch, callErr = next.Stream(ctx, req)
					return callErr
				})
				if err != nil {
					return nil, err
				}
				return ch, nil
			},
			next.GetModelName,
		)
	}
}
