// Package timeout provides timeout middleware for LLM clients.
package timeout

import (
	"context"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
)

// abandonAfter bounds how long a timed-out stream waits for a consumer to read the error chunk.
const abandonAfter = time.Second

// Middleware returns a middleware function that wraps an LLM client with per-request timeout logic.
// For streams the deadline covers the whole stream, and the timeout context is released
// once the forwarded channel is drained.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Complete(timeoutCtx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				in, err := next.Stream(timeoutCtx, req)
				if err != nil {
					cancel()
					return nil, err
				}
				out := make(chan llm.StreamChunk)
				go func() {
					defer cancel()
					defer close(out)
					for chunk := range in {
						select {
						case out <- chunk:
						case <-timeoutCtx.Done():
							// Unblock the producer before reporting.
							go func() {
								for range in { //nolint:revive // drain
								}
							}()
							select {
							case out <- llm.StreamChunk{Error: timeoutCtx.Err(), Done: true}:
							case <-ctx.Done():
							case <-time.After(abandonAfter):
							}
							return
						}
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}
