package google

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
)

func TestConvertMessagesToGemini(t *testing.T) {
	msgs := []llm.CompletionMessage{
		llm.NewSystemMessage("be brief"),
		llm.NewSystemMessage("use JSON"),
		llm.NewUserMessage("grade this slide", llm.Attachment{MIMEType: "image/png", Data: []byte{1, 2, 3}}),
		llm.NewAssistantMessage("ok"),
	}
	contents, system, err := convertMessagesToGemini(msgs)
	require.NoError(t, err)
	assert.Equal(t, "be brief\n\nuse JSON", system)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	require.Len(t, contents[0].Parts, 2)
	assert.Equal(t, "image/png", contents[0].Parts[0].InlineData.MIMEType)
	assert.Equal(t, "grade this slide", contents[0].Parts[1].Text)
	assert.Equal(t, "model", contents[1].Role)

	_, _, err = convertMessagesToGemini(nil)
	assert.Error(t, err)
	_, _, err = convertMessagesToGemini([]llm.CompletionMessage{llm.NewSystemMessage("only system")})
	assert.Error(t, err)
}

func TestThinkingBudget(t *testing.T) {
	b, ok := thinkingBudget("gemini-2.5-pro", llm.ThinkingHigh)
	assert.True(t, ok)
	assert.EqualValues(t, budgetHigh, b)

	_, ok = thinkingBudget("gemini-2.5-flash", "")
	assert.False(t, ok)
	_, ok = thinkingBudget("gemini-2.0-flash", llm.ThinkingLow)
	assert.False(t, ok)
}

func TestCompleteAgainstFakeServer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "gemini-2.5-flash:generateContent"), r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "{\"score\": 97}"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 120, "candidatesTokenCount": 8, "thoughtsTokenCount": 30}
		}`)
	}))
	defer srv.Close()

	client := NewGeminiClientWithModel("test-key", "gemini-2.5-flash").WithBaseURL(srv.URL)
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewSystemMessage("grader"), llm.NewUserMessage("score it")})
	req.JSONOutput = true

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"score": 97}`, resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, llm.TokenUsage{InputTokens: 120, OutputTokens: 8, ThinkingTokens: 30}, resp.Usage)

	genCfg, _ := body["generationConfig"].(map[string]any)
	assert.Equal(t, "application/json", genCfg["responseMimeType"])
}

func TestCompleteClassifiesQuotaErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": {"code": 429, "message": "quota exceeded", "status": "RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	client := NewGeminiClientWithModel("test-key", "gemini-2.5-flash").WithBaseURL(srv.URL)
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.Error(t, err)
	assert.Equal(t, llmerrors.ErrorTypeRateLimit, llmerrors.TypeOf(err))
	assert.True(t, llmerrors.IsInfrastructure(err))
}
