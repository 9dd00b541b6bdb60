package agent

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/Kevin-nav/sankosides/pkg/agent/internal/llmimpl/anthropic"
	"github.com/Kevin-nav/sankosides/pkg/agent/internal/llmimpl/google"
	"github.com/Kevin-nav/sankosides/pkg/agent/internal/llmimpl/ollama"
	"github.com/Kevin-nav/sankosides/pkg/agent/internal/llmimpl/openaiofficial"
	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/metrics"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/resilience/circuit"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/resilience/retry"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/resilience/timeout"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/validation"
	"github.com/Kevin-nav/sankosides/pkg/config"
	"github.com/Kevin-nav/sankosides/pkg/limiter"
	"github.com/Kevin-nav/sankosides/pkg/logx"
)

// Tier selects a model class. Stage definitions name a tier, never a model.
type Tier string

const (
	TierFlash Tier = "flash"
	TierPro   Tier = "pro"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFlash || t == TierPro
}

// RawClientFunc builds an unwrapped provider client. Tests replace it to avoid network calls.
type RawClientFunc func(provider, model, key string) (llm.LLMClient, error)

// LLMClientFactory creates LLM clients with properly configured middleware chains.
// Clients for the same model share one circuit breaker.
type LLMClientFactory struct {
	config   config.Config
	recorder metrics.Recorder
	limiter  *limiter.Limiter
	newRaw   RawClientFunc
	logger   *logx.Logger

	mu       sync.Mutex
	breakers map[string]circuit.Breaker
	clients  map[string]llm.LLMClient
}

// NewLLMClientFactory creates a factory. A nil recorder disables metrics.
func NewLLMClientFactory(cfg config.Config, recorder metrics.Recorder) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &LLMClientFactory{
		config:   cfg,
		recorder: recorder,
		limiter:  limiter.NewLimiter(cfg.Limits),
		newRaw:   newRawClient,
		logger:   logx.NewLogger("llm-factory"),
		breakers: make(map[string]circuit.Breaker),
		clients:  make(map[string]llm.LLMClient),
	}
}

// WithRawClientFunc overrides provider client construction.
func (f *LLMClientFactory) WithRawClientFunc(fn RawClientFunc) *LLMClientFactory {
	f.newRaw = fn
	return f
}

// ModelFor resolves a tier to the configured model name.
func (f *LLMClientFactory) ModelFor(tier Tier) (string, error) {
	if f.config.Models == nil {
		return "", fmt.Errorf("models section missing from config")
	}
	switch tier {
	case TierFlash:
		return f.config.Models.Flash, nil
	case TierPro:
		return f.config.Models.Pro, nil
	default:
		return "", fmt.Errorf("unsupported tier: %s", tier)
	}
}

// CreateClient returns the client for a tier, building it on first use.
func (f *LLMClientFactory) CreateClient(tier Tier) (llm.LLMClient, error) {
	model, err := f.ModelFor(tier)
	if err != nil {
		return nil, err
	}
	return f.CreateClientForModel(model)
}

// CreateClientForModel returns the middleware-wrapped client for a model name.
// The API key is retrieved from the secrets file or environment based on the model's provider.
func (f *LLMClientFactory) CreateClientForModel(model string) (llm.LLMClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[model]; ok {
		return c, nil
	}

	provider, err := config.GetModelProvider(model)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", model, err)
	}
	key, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}
	raw, err := f.newRaw(provider, model, key)
	if err != nil {
		return nil, err
	}

	client := llm.Chain(raw, f.middleware(model)...)
	f.clients[model] = client
	f.logger.Info("Created %s client for model %s", provider, model)
	return client, nil
}

// middleware builds the chain for one model, outermost first:
//
//	Metrics -> Limiter -> CircuitBreaker -> Retry -> EmptyResponse -> Timeout -> RawClient
func (f *LLMClientFactory) middleware(model string) []llm.Middleware {
	res := f.config.Resilience
	if res == nil {
		res = &config.ResilienceConfig{}
	}

	breaker, ok := f.breakers[model]
	if !ok {
		cc := circuit.FromConfig(res.CircuitBreaker)
		cc.OnStateChange = func(from, to circuit.State) {
			f.recorder.SetCircuitState(model, int(to))
			f.logger.Warn("Circuit for %s: %s -> %s", model, from, to)
		}
		breaker = circuit.New(cc)
		f.breakers[model] = breaker
	}

	return []llm.Middleware{
		metrics.Middleware(f.recorder),
		limiter.Middleware(f.limiter),
		circuit.Middleware(breaker),
		retry.Middleware(retry.NewPolicy(retry.FromConfig(res.Retry), nil)),
		validation.NewEmptyResponseValidator().Middleware(),
		timeout.Middleware(res.Timeout),
	}
}

// LimitStatus reports the limiter state for a model, if it has limits configured.
func (f *LLMClientFactory) LimitStatus(model string) (limiter.Status, bool) {
	return f.limiter.GetStatus(model)
}

// Close stops background work owned by the factory.
func (f *LLMClientFactory) Close() {
	f.limiter.Close()
}

// BreakerState reports the circuit state for a model, or Closed if none exists yet.
func (f *LLMClientFactory) BreakerState(model string) circuit.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[model]; ok {
		return b.GetState()
	}
	return circuit.Closed
}

func newRawClient(provider, model, key string) (llm.LLMClient, error) {
	switch provider {
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(key, model), nil
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(key, model), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(key, model), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(key, model, http.DefaultClient), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
