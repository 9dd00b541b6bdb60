package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
)

func TestNewClientStripsPrefix(t *testing.T) {
	c := NewOllamaClientWithModel("::bad url", "ollama:llama3", nil)
	assert.Equal(t, "llama3", c.GetModelName())
	assert.Equal(t, DefaultHost, c.hostURL)
}

func TestConvertMessagesKeepsImages(t *testing.T) {
	msgs, err := convertMessagesToOllama([]llm.CompletionMessage{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("look", llm.Attachment{MIMEType: "image/png", Data: []byte{9}}, llm.Attachment{MIMEType: "application/pdf", Data: []byte{1}}),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Len(t, msgs[1].Images, 1)

	_, err = convertMessagesToOllama(nil)
	assert.Error(t, err)
}

func TestCompleteAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "json", body["format"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"{}"},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":2}`)
	}))
	defer srv.Close()

	client := NewOllamaClientWithModel(srv.URL, "llama3", srv.Client())
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")})
	req.JSONOutput = true
	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "{}", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 7, resp.Usage.InputTokens)
	assert.Equal(t, 2, resp.Usage.OutputTokens)
}

func TestStreamAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		bw := bufio.NewWriter(w)
		for _, line := range []string{
			`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":true,"done_reason":"stop"}`,
		} {
			_, _ = bw.WriteString(line + "\n")
		}
		_ = bw.Flush()
	}))
	defer srv.Close()

	client := NewOllamaClientWithModel(srv.URL, "llama3", srv.Client())
	ch, err := client.Stream(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)

	var got string
	for c := range ch {
		require.NoError(t, c.Error)
		got += c.Content
	}
	assert.Equal(t, "Hello", got)
}

func TestCompleteModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model \"nope\" not found, try pulling it first"}`)
	}))
	defer srv.Close()

	client := NewOllamaClientWithModel(srv.URL, "nope", srv.Client())
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	assert.Equal(t, llmerrors.ErrorTypeBadPrompt, llmerrors.TypeOf(err))
}
