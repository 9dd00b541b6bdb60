package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"

	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	// EnvGeminiAPIKey is accepted as a fallback for the Google provider.
	EnvGeminiAPIKey = "GEMINI_API_KEY"
)

// ModelInfo contains static information about a known LLM model.
type ModelInfo struct {
	Provider         string  // API provider
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels contains pricing and provider information for common models.
// Gemini entries carry the short-context rate; long-context pricing lives in pkg/usage.
//
//nolint:gochecknoglobals // static model registry
var KnownModels = map[string]ModelInfo{
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.50,
		OutputCPM:        3.00,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"gemini-3-flash-preview": {
		Provider:         ProviderGoogle,
		InputCPM:         0.50,
		OutputCPM:        3.00,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"gemini-2.5-pro": {
		Provider:         ProviderGoogle,
		InputCPM:         2.00,
		OutputCPM:        12.00,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"gemini-3-pro-preview": {
		Provider:         ProviderGoogle,
		InputCPM:         2.00,
		OutputCPM:        12.00,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"gpt-5": {
		Provider:         ProviderOpenAI,
		InputCPM:         20.0,
		OutputCPM:        60.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"o4-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"mistral-nemo:latest": {
		Provider:         ProviderOllama,
		MaxContextTokens: 128000,
		MaxOutputTokens:  8192,
	},
}

// ProviderPattern maps a model-name prefix to its provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns lets unknown models be used without code changes.
//
//nolint:gochecknoglobals // inference rules
var ProviderPatterns = []ProviderPattern{
	{"gemini", ProviderGoogle},
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"phi", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// GetModelProvider returns the API provider for a model, via KnownModels then prefix patterns.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// GetModelInfo returns the registry entry, or conservative defaults with the inferred provider.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}
	provider, _ := GetModelProvider(modelName)
	return ModelInfo{
		Provider:         provider,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// CalculateCost returns USD cost from KnownModels pricing. Unknown models cost 0.
func CalculateCost(modelName string, promptTokens, completionTokens int) float64 {
	info, exists := KnownModels[modelName]
	if !exists {
		return 0
	}
	inputCost := (float64(promptTokens) / 1_000_000.0) * info.InputCPM
	outputCost := (float64(completionTokens) / 1_000_000.0) * info.OutputCPM
	return inputCost + outputCost
}

// GetAPIKey returns the API key for a provider from the secrets file or environment.
// For Ollama the host URL is returned instead.
func GetAPIKey(provider string) (string, error) {
	var envVars []string
	switch provider {
	case ProviderAnthropic:
		envVars = []string{EnvAnthropicAPIKey}
	case ProviderOpenAI:
		envVars = []string{EnvOpenAIAPIKey}
	case ProviderGoogle:
		envVars = []string{EnvGoogleAPIKey, EnvGeminiAPIKey}
	case ProviderOllama:
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	for _, envVar := range envVars {
		if key, err := GetSecret(envVar); err == nil && key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", strings.Join(envVars, " or "))
}
