// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/logx"
)

const (
	// maxEmptyAttempts is the original call plus one retry with guidance.
	maxEmptyAttempts = 2

	textGuidance = "Your previous reply was empty. Answer the request above directly with the requested content."
	jsonGuidance = "Your previous reply was empty. Respond with the requested JSON document only, no commentary."
)

// EmptyResponseValidator retries a completion once with guidance when the model returns
// nothing, then reports ErrorTypeEmptyResponse.
type EmptyResponseValidator struct {
	logger *logx.Logger
}

// NewEmptyResponseValidator creates a new validator.
func NewEmptyResponseValidator() *EmptyResponseValidator {
	return &EmptyResponseValidator{logger: logx.NewLogger("empty-response-validator")}
}

// Middleware returns a middleware function that validates LLM responses.
//
// For empty responses:
// - First occurrence: appends a guidance message to the request and retries immediately
// - Second occurrence: returns ErrorTypeEmptyResponse; the flow engine treats it as missing content.
func (v *EmptyResponseValidator) Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
						return resp, err
					}
					if err == nil && !isEmpty(resp) {
						return resp, nil
					}

					v.logger.Warn("Empty response from %s (attempt %d/%d, stop=%q, messages=%d)",
						next.GetModelName(), attempt, maxEmptyAttempts, resp.StopReason, len(req.Messages))

					if attempt < maxEmptyAttempts {
						req = withGuidance(req)
					}
				}
				return llm.CompletionResponse{}, llmerrors.NewError(
					llmerrors.ErrorTypeEmptyResponse,
					"received empty response after guidance",
				)
			},
			// Streams are consumed by interactive callers who see emptiness themselves.
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return next.Stream(ctx, req)
			},
			next.GetModelName,
		)
	}
}

func isEmpty(resp llm.CompletionResponse) bool {
	return strings.TrimSpace(resp.Content) == ""
}

// withGuidance copies the message slice so the caller's request is never mutated.
func withGuidance(req llm.CompletionRequest) llm.CompletionRequest {
	guidance := textGuidance
	if req.JSONOutput {
		guidance = jsonGuidance
	}
	msgs := make([]llm.CompletionMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, req.Messages...)
	msgs = append(msgs, llm.NewUserMessage(guidance))
	req.Messages = msgs
	return req
}
