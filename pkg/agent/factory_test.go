package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/metrics"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/resilience/circuit"
	"github.com/Kevin-nav/sankosides/pkg/config"
)

type circuitSpy struct {
	states map[string]int
}

func (c *circuitSpy) ObserveRequest(metrics.Request) {}
func (c *circuitSpy) ObserveStage(string, string, time.Duration) {}
func (c *circuitSpy) SetCircuitState(model string, state int) { c.states[model] = state }

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Models.Flash = "ollama:flash-test"
	cfg.Models.Pro = "ollama:pro-test"
	cfg.Resilience.Retry = config.RetryConfig{MaxAttempts: 1}
	cfg.Resilience.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}
	cfg.Resilience.Timeout = time.Second
	return cfg
}

func TestCreateClientPerTier(t *testing.T) {
	var built []string
	f := NewLLMClientFactory(testConfig(), nil).WithRawClientFunc(func(provider, model, _ string) (llm.LLMClient, error) {
		built = append(built, provider+"/"+model)
		m := NewMockLLMClient(nil, nil)
		m.Model = model
		m.Respond = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "ok"}, nil
		}
		return m, nil
	})

	flash, err := f.CreateClient(TierFlash)
	require.NoError(t, err)
	pro, err := f.CreateClient(TierPro)
	require.NoError(t, err)
	again, err := f.CreateClient(TierFlash)
	require.NoError(t, err)

	assert.Equal(t, []string{"ollama/ollama:flash-test", "ollama/ollama:pro-test"}, built)
	assert.Equal(t, "ollama:flash-test", flash.GetModelName())
	assert.Equal(t, "ollama:pro-test", pro.GetModelName())
	assert.Equal(t, flash.GetModelName(), again.GetModelName())

	resp, err := flash.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.True(t, resp.Usage.Estimated)

	_, err = f.CreateClient(Tier("turbo"))
	assert.Error(t, err)
}

func TestCreateClientUnknownModel(t *testing.T) {
	cfg := testConfig()
	cfg.Models.Flash = "mystery-model"
	_, err := NewLLMClientFactory(cfg, nil).CreateClient(TierFlash)
	assert.ErrorContains(t, err, "failed to determine provider")
}

func TestBreakerOpensOnInfrastructureFailures(t *testing.T) {
	spy := &circuitSpy{states: map[string]int{}}
	f := NewLLMClientFactory(testConfig(), spy).WithRawClientFunc(func(_, model, _ string) (llm.LLMClient, error) {
		m := NewMockLLMClient(nil, nil)
		m.Model = model
		m.Respond = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, errors.New("503"), "unavailable")
		}
		return m, nil
	})
	client, err := f.CreateClient(TierPro)
	require.NoError(t, err)

	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")})
	for range 2 {
		_, err = client.Complete(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, circuit.Open, f.BreakerState("ollama:pro-test"))
	assert.Equal(t, int(circuit.Open), spy.states["ollama:pro-test"])

	_, err = client.Complete(context.Background(), req)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeServiceUnavailable))
	assert.Equal(t, circuit.Closed, f.BreakerState("never-built"))
}
