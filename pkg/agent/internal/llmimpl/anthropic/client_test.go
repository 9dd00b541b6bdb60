package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
)

func TestEnsureAlternation(t *testing.T) {
	system, msgs, err := ensureAlternation([]llm.CompletionMessage{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("a"),
		llm.NewUserMessage("b", llm.Attachment{MIMEType: "application/pdf", Data: []byte("%PDF")}),
		llm.NewAssistantMessage("c"),
		llm.NewUserMessage("d"),
	})
	require.NoError(t, err)
	assert.Equal(t, "sys", system)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a\n\nb", msgs[0].Content)
	assert.Len(t, msgs[0].Attachments, 1)

	_, _, err = ensureAlternation([]llm.CompletionMessage{llm.NewAssistantMessage("x"), llm.NewUserMessage("y")})
	assert.Error(t, err)
	_, _, err = ensureAlternation([]llm.CompletionMessage{llm.NewUserMessage("x"), llm.NewAssistantMessage("y")})
	assert.Error(t, err)
	_, _, err = ensureAlternation(nil)
	assert.Error(t, err)
}

func TestContentBlocks(t *testing.T) {
	msg := llm.NewUserMessage("look",
		llm.Attachment{MIMEType: "image/png", Data: []byte{1}},
		llm.Attachment{MIMEType: "application/pdf", Data: []byte{2}},
		llm.Attachment{MIMEType: "application/zip", Data: []byte{3}},
	)
	blocks := contentBlocks(&msg)
	require.Len(t, blocks, 3)
	assert.NotNil(t, blocks[0].OfImage)
	assert.NotNil(t, blocks[1].OfDocument)
	assert.NotNil(t, blocks[2].OfText)
}

func TestCompleteAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "claude-test", body["model"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":10,"output_tokens":3}}`)
	}))
	defer srv.Close()

	client := NewClaudeClientWithModel("k", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)
}

func TestCompleteClassifiesAuthErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	client := NewClaudeClientWithModel("bad", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	assert.Equal(t, llmerrors.ErrorTypeAuth, llmerrors.TypeOf(err))
}
