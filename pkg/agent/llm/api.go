// Package llm provides interfaces and types for Large Language Model client implementations.
package llm

import (
	"context"
	"fmt"
	"io"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// DefaultMaxTokens is used when a request leaves MaxTokens unset.
	DefaultMaxTokens = 8192

	// TemperatureDefault is the default temperature for outlining and planning.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used for JSON-producing stages where drift hurts parsing.
	TemperatureDeterministic = 0.2
)

// Thinking levels accepted by providers that support extended reasoning.
const (
	ThinkingLow    = "low"
	ThinkingMedium = "medium"
	ThinkingHigh   = "high"
)

// Attachment is binary content sent alongside a message, such as a PDF or a slide screenshot.
type Attachment struct {
	MIMEType string
	Data     []byte
	Name     string
}

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Content     string
	Role        CompletionRole
	Attachments []Attachment
}

// CompletionRequest represents a request to generate a completion.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionRequest struct {
	Messages      []CompletionMessage
	ThinkingLevel string
	MaxTokens     int
	Temperature   float32
	// JSONOutput asks providers that support it to constrain output to JSON.
	JSONOutput bool
}

// TokenUsage is the provider-reported token count for one completion.
type TokenUsage struct {
	InputTokens    int
	OutputTokens   int
	ThinkingTokens int
	// Estimated is true when counts were computed locally instead of reported.
	Estimated bool
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string
	StopReason string
	Model      string
	Usage      TokenUsage
}

// StreamChunk represents a chunk of streamed completion response.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // Keep name for backward compatibility
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a stream of chunks.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// GetModelName returns the model name for this LLM client.
	GetModelName() string
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string, attachments ...Attachment) CompletionMessage {
	return CompletionMessage{
		Role:        RoleUser,
		Content:     content,
		Attachments: attachments,
	}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleAssistant,
		Content: content,
	}
}

// SplitSystem separates system messages from the conversation, joining them with blank lines.
// Providers that take the system prompt out of band use this.
func SplitSystem(msgs []CompletionMessage) (string, []CompletionMessage) {
	var system string
	rest := make([]CompletionMessage, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msgs[i].Content
			continue
		}
		rest = append(rest, msgs[i])
	}
	return system, rest
}

// LLMConfig represents configuration for an LLM client.
type LLMConfig struct { //nolint:revive // Keep name for backward compatibility
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	// BaseURL overrides the provider endpoint (Ollama host, proxies).
	BaseURL string
}

// Validate validates the LLM configuration.
func (c *LLMConfig) Validate() error {
	if c.APIKey == "" && c.BaseURL == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if c.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative")
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}

// StreamToReader converts a stream channel to an io.Reader.
func StreamToReader(stream <-chan StreamChunk) io.Reader {
	pr, pw := io.Pipe()

	go func() {
		defer func() {
			_ = pw.Close()
		}()
		for chunk := range stream {
			if chunk.Error != nil {
				pw.CloseWithError(chunk.Error)
				return
			}
			if _, err := pw.Write([]byte(chunk.Content)); err != nil {
				pw.CloseWithError(err)
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return pr
}

// CompleteAsStream adapts a Complete call into a single-chunk stream for providers
// without native streaming.
func CompleteAsStream(ctx context.Context, c LLMClient, in CompletionRequest) (<-chan StreamChunk, error) {
	resp, err := c.Complete(ctx, in)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: resp.Content, Done: true}
	close(ch)
	return ch, nil
}
