package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
)

func TestMockLLMClient(t *testing.T) {
	responses := []llm.CompletionResponse{
		{Content: "response1"},
		{Content: "response2"},
	}
	errs := []error{nil, errors.New("test error")}

	client := NewMockLLMClient(responses, errs)

	t.Run("Complete returns responses in order", func(t *testing.T) {
		resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if resp.Content != "response1" {
			t.Errorf("got %q, want %q", resp.Content, "response1")
		}

		_, err = client.Complete(context.Background(), llm.CompletionRequest{})
		if err == nil || err.Error() != "test error" {
			t.Errorf("got %v, want test error", err)
		}

		_, err = client.Complete(context.Background(), llm.CompletionRequest{})
		if err == nil {
			t.Error("expected error, got nil")
		}
	})

	t.Run("Respond answers after the script", func(t *testing.T) {
		client.Respond = func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: req.Messages[0].Content}, nil
		}
		resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("echo")}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != "echo" || resp.Model != "mock-model" {
			t.Errorf("got %+v", resp)
		}
		if n := len(client.Calls()); n != 4 {
			t.Errorf("got %d calls, want 4", n)
		}
	})
}
