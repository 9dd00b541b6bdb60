// Package openaiofficial provides the OpenAI client implementation using the official OpenAI Go package.
package openaiofficial

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/config"
)

// OfficialClient wraps the official OpenAI Go client to implement llm.LLMClient interface.
//
//nolint:govet // Simple struct, field alignment not critical
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClientWithModel creates a new OpenAI client with specific model using the official package (raw client, middleware applied at higher level).
func NewOfficialClientWithModel(apiKey, model string, opts ...option.RequestOption) llm.LLMClient {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OfficialClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// buildInput flattens the conversation into a single input string for the Responses API.
// System messages become instructions. Image attachments are not supported here and are
// described by name so the model knows something was omitted. Text attachments are inlined.
func buildInput(msgs []llm.CompletionMessage) (instructions, input string) {
	system, rest := llm.SplitSystem(msgs)
	var b strings.Builder
	for i := range rest {
		msg := &rest[i]
		if msg.Role == llm.RoleAssistant {
			fmt.Fprintf(&b, "Assistant: %s\n\n", msg.Content)
			continue
		}
		b.WriteString(msg.Content)
		for j := range msg.Attachments {
			a := &msg.Attachments[j]
			if strings.HasPrefix(a.MIMEType, "text/") {
				fmt.Fprintf(&b, "\n\n[attachment %s]\n%s", a.Name, a.Data)
				continue
			}
			fmt.Fprintf(&b, "\n\n[attachment %s omitted: %s, %d bytes]", a.Name, a.MIMEType, len(a.Data))
		}
		b.WriteString("\n\n")
	}
	return system, strings.TrimSpace(b.String())
}

// Complete implements the llm.LLMClient interface using the Responses API.
//
//nolint:gocritic // 80 bytes is reasonable for interface compliance
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	instructions, inputText := buildInput(in.Messages)
	if inputText == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no user content")
	}
	if in.JSONOutput {
		instructions = strings.TrimSpace(instructions + "\n\nRespond with a single JSON document and nothing else.")
	}

	// Cap MaxTokens to model's actual limit to prevent API errors
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	if modelInfo, exists := config.KnownModels[o.model]; exists && modelInfo.MaxOutputTokens > 0 {
		maxTokens = min(maxTokens, modelInfo.MaxOutputTokens)
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(inputText)},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	return llm.CompletionResponse{
		Content:    resp.OutputText(),
		StopReason: string(resp.Status),
		Model:      o.model,
		Usage: llm.TokenUsage{
			InputTokens:    int(resp.Usage.InputTokens),
			OutputTokens:   int(resp.Usage.OutputTokens - resp.Usage.OutputTokensDetails.ReasoningTokens),
			ThinkingTokens: int(resp.Usage.OutputTokensDetails.ReasoningTokens),
		},
	}, nil
}

// Stream implements the llm.LLMClient interface as a single-chunk stream.
//
//nolint:gocritic // 80 bytes is reasonable for interface compliance
func (o *OfficialClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.CompleteAsStream(ctx, o, in)
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

func classifyError(err error) *llmerrors.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llmerrors.FromProvider(err, apiErr.StatusCode)
	}
	return llmerrors.FromProvider(err, 0)
}
