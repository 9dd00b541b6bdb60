// Package agent builds the LLM clients the pipeline stages call.
//
// LLMClientFactory maps a model tier to the configured provider and model and
// wraps the raw client in the middleware chain: timeout, empty-response
// validation, retry, circuit breaking, per-model limits and metrics. Provider
// implementations live under internal/llmimpl.
package agent
