package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
)

// RespondFunc produces a response for one request. It must be safe for concurrent use.
type RespondFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)

// MockLLMClient provides a controllable implementation of llm.LLMClient for testing.
// Scripted responses are consumed first; once exhausted, Respond (if set) answers.
type MockLLMClient struct {
	Model   string
	Respond RespondFunc

	mu        sync.Mutex
	responses []llm.CompletionResponse
	errors    []error
	calls     []llm.CompletionRequest
}

// NewMockLLMClient creates a new mock client with predefined responses.
// errors[i], when non-nil, is returned instead of responses[i].
func NewMockLLMClient(responses []llm.CompletionResponse, errors []error) *MockLLMClient {
	return &MockLLMClient{
		Model:     "mock-model",
		responses: responses,
		errors:    errors,
	}
}

// Complete returns the next predefined response or error.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.errors) > 0 || len(m.responses) > 0 {
		var err error
		if len(m.errors) > 0 {
			err, m.errors = m.errors[0], m.errors[1:]
		}
		var resp llm.CompletionResponse
		if len(m.responses) > 0 {
			resp, m.responses = m.responses[0], m.responses[1:]
		}
		m.mu.Unlock()
		if err != nil {
			return llm.CompletionResponse{}, err
		}
		resp.Model = m.Model
		return resp, nil
	}
	respond := m.Respond
	m.mu.Unlock()

	if respond == nil {
		return llm.CompletionResponse{}, fmt.Errorf("mock client: no more responses")
	}
	resp, err := respond(ctx, req)
	if err == nil && resp.Model == "" {
		resp.Model = m.Model
	}
	return resp, err
}

// Stream returns the next response as a single chunk.
func (m *MockLLMClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.CompleteAsStream(ctx, m, req)
}

// GetModelName returns the configured model name.
func (m *MockLLMClient) GetModelName() string {
	return m.Model
}

// Calls returns a copy of every request received so far.
func (m *MockLLMClient) Calls() []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.CompletionRequest(nil), m.calls...)
}
