// Package google provides the Google Gemini client implementation for the LLM interface.
// Gemini is the default provider: it takes PDFs and slide screenshots as inline bytes and
// reports thinking tokens separately.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
)

// Thinking budgets in tokens for models that take a budget rather than a level.
const (
	budgetLow    = 1024
	budgetMedium = 8192
	budgetHigh   = 24576
)

// GeminiClient wraps the Google GenAI client to implement llm.LLMClient interface.
type GeminiClient struct {
	apiKey  string
	model   string
	baseURL string

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiClientWithModel creates a new Gemini client with specific model (raw client, middleware applied at higher level).
// The SDK client is created on first use because construction needs a context.
func NewGeminiClientWithModel(apiKey, model string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model}
}

// WithBaseURL points the client at a different endpoint, used by tests and proxies.
func (g *GeminiClient) WithBaseURL(u string) *GeminiClient {
	g.baseURL = u
	return g
}

// SDK returns the underlying genai client, creating it if needed.
func (g *GeminiClient) SDK(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		cfg := &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if g.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
		}
		// Detached: the client outlives the request that happened to create it.
		g.client, g.initErr = genai.NewClient(context.WithoutCancel(ctx), cfg)
	})
	if g.initErr != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, g.initErr, "failed to create Gemini client")
	}
	return g.client, nil
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client, err := g.SDK(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	contents, cfg, err := g.buildRequest(in)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no candidates in Gemini response")
	}

	return llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: getStopReason(result),
		Model:      g.model,
		Usage:      usageFrom(result.UsageMetadata),
	}, nil
}

// Stream implements the llm.LLMClient interface using server-sent streaming.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	client, err := g.SDK(ctx)
	if err != nil {
		return nil, err
	}
	contents, cfg, err := g.buildRequest(in)
	if err != nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		send := func(c llm.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for resp, err := range client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if err != nil {
				send(llm.StreamChunk{Error: classifyError(err), Done: true})
				return
			}
			if text := resp.Text(); text != "" {
				if !send(llm.StreamChunk{Content: text}) {
					return
				}
			}
		}
		send(llm.StreamChunk{Done: true})
	}()
	return ch, nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

func (g *GeminiClient) buildRequest(in llm.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	contents, systemInstruction, err := convertMessagesToGemini(in.Messages)
	if err != nil {
		return nil, nil, err
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	temperature := in.Temperature
	//nolint:gosec // MaxTokens validated at higher layer
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(maxTokens),
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}}
	}
	if in.JSONOutput {
		cfg.ResponseMIMEType = "application/json"
	}
	if budget, ok := thinkingBudget(g.model, in.ThinkingLevel); ok {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}
	return contents, cfg, nil
}

// thinkingBudget maps a thinking level to a token budget for 2.5-series models.
// Other models ignore the level.
func thinkingBudget(model, level string) (int32, bool) {
	if level == "" || !strings.Contains(model, "2.5") {
		return 0, false
	}
	switch level {
	case llm.ThinkingLow:
		return budgetLow, true
	case llm.ThinkingHigh:
		return budgetHigh, true
	default:
		return budgetMedium, true
	}
}

// convertMessagesToGemini converts our message format to Gemini's Content format.
// Returns contents array and optional system instruction.
func convertMessagesToGemini(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	system, rest := llm.SplitSystem(messages)
	contents := make([]*genai.Content, 0, len(rest))

	for i := range rest {
		msg := &rest[i]

		var role string
		switch msg.Role {
		case llm.RoleUser:
			role = "user"
		case llm.RoleAssistant:
			role = "model" // Gemini uses "model" instead of "assistant"
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		parts := make([]*genai.Part, 0, 1+len(msg.Attachments))
		for j := range msg.Attachments {
			a := &msg.Attachments[j]
			if len(a.Data) == 0 {
				continue
			}
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: a.MIMEType, Data: a.Data}})
		}
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("no user or assistant content")
	}
	return contents, system, nil
}

func usageFrom(m *genai.GenerateContentResponseUsageMetadata) llm.TokenUsage {
	if m == nil {
		return llm.TokenUsage{}
	}
	return llm.TokenUsage{
		InputTokens:    int(m.PromptTokenCount),
		OutputTokens:   int(m.CandidatesTokenCount),
		ThinkingTokens: int(m.ThoughtsTokenCount),
	}
}

// getStopReason maps Gemini's finish reason onto the shared vocabulary.
func getStopReason(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 {
		return "unknown"
	}
	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonStop, "":
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return strings.ToLower(string(result.Candidates[0].FinishReason))
	}
}

func classifyError(err error) *llmerrors.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llmerrors.FromProvider(err, apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return llmerrors.FromProvider(err, apiErrPtr.Code)
	}
	return llmerrors.FromProvider(err, 0)
}
