package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type mockLLMClient struct {
	completeFunc     func(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	getModelNameFunc func() string
}

func (m *mockLLMClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if m.completeFunc != nil {
		return m.completeFunc(ctx, req)
	}
	return CompletionResponse{Content: "mock"}, nil
}

func (m *mockLLMClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	return CompleteAsStream(ctx, m, req)
}

func (m *mockLLMClient) GetModelName() string {
	if m.getModelNameFunc != nil {
		return m.getModelNameFunc()
	}
	return "mock-model"
}

func passthrough(tag string, order *[]string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				*order = append(*order, tag)
				return next.Complete(ctx, req)
			},
			next.Stream,
			next.GetModelName,
		)
	}
}

// TestWrapClient tests the WrapClient helper function.
func TestWrapClient(t *testing.T) {
	client := WrapClient(
		func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{Content: "wrapped"}, nil
		},
		func(_ context.Context, _ CompletionRequest) (<-chan StreamChunk, error) {
			ch := make(chan StreamChunk)
			close(ch)
			return ch, nil
		},
		func() string { return "wrapped-model" },
	)

	resp, err := client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("test")}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "wrapped" {
		t.Errorf("expected 'wrapped', got %q", resp.Content)
	}
	if client.GetModelName() != "wrapped-model" {
		t.Errorf("expected 'wrapped-model', got %q", client.GetModelName())
	}
}

// TestChainOrder verifies earlier middlewares are outermost.
func TestChainOrder(t *testing.T) {
	var order []string
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			order = append(order, "base")
			return CompletionResponse{Content: "base"}, nil
		},
	}

	client := Chain(base, passthrough("mw1", &order), nil, passthrough("mw2", &order))
	if _, err := client.Complete(context.Background(), CompletionRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(order, ","); got != "mw1,mw2,base" {
		t.Errorf("expected mw1,mw2,base got %s", got)
	}
}

// TestChainShortCircuit verifies a middleware can stop the call before the base client.
func TestChainShortCircuit(t *testing.T) {
	called := false
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			called = true
			return CompletionResponse{}, nil
		},
	}
	blocked := errors.New("blocked")
	block := func(next LLMClient) LLMClient {
		return WrapClient(
			func(context.Context, CompletionRequest) (CompletionResponse, error) {
				return CompletionResponse{}, blocked
			},
			next.Stream,
			next.GetModelName,
		)
	}

	_, err := Chain(base, block).Complete(context.Background(), CompletionRequest{})
	if !errors.Is(err, blocked) {
		t.Errorf("expected blocked error, got %v", err)
	}
	if called {
		t.Error("base client should not be called")
	}
}

// TestChainModelNamePropagation verifies the model name flows through middleware.
func TestChainModelNamePropagation(t *testing.T) {
	var order []string
	base := &mockLLMClient{getModelNameFunc: func() string { return "gemini-2.5-flash" }}
	client := Chain(base, passthrough("a", &order), passthrough("b", &order))
	if client.GetModelName() != "gemini-2.5-flash" {
		t.Errorf("expected model name to propagate, got %q", client.GetModelName())
	}
}

// TestChainNoMiddlewares returns the base client unchanged.
func TestChainNoMiddlewares(t *testing.T) {
	base := &mockLLMClient{}
	if Chain(base) != LLMClient(base) {
		t.Error("expected base client to be returned")
	}
}
