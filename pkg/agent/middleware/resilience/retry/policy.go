// Package retry provides retry logic with exponential backoff for resilient LLM calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/resilience/circuit"
	"github.com/Kevin-nav/sankosides/pkg/config"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           // Maximum number of attempts (including initial)
	InitialDelay  time.Duration // Initial delay before first retry
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// FromConfig converts the resilience.retry section of the project config,
// falling back to DefaultConfig for unset fields.
func FromConfig(rc config.RetryConfig) Config {
	c := DefaultConfig
	if rc.MaxAttempts > 0 {
		c.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialDelay > 0 {
		c.InitialDelay = rc.InitialDelay
	}
	if rc.MaxDelay > 0 {
		c.MaxDelay = rc.MaxDelay
	}
	if rc.BackoffFactor >= 1 {
		c.BackoffFactor = rc.BackoffFactor
	}
	c.Jitter = rc.Jitter
	return c
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default error classifier.
// Typed LLM errors decide for themselves; anything else falls back to message patterns.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Caller went away; nothing to retry for.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Per-request HTTP timeouts surface as DeadlineExceeded while the parent context is still live.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Let the breaker handle recovery.
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())

	for _, s := range []string{"timeout", "connection", "network", "temporary", "eof", "rate", "429", "500", "502", "503", "504"} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// exhaustedIsInfrastructure reports whether a retryable error that survived every
// attempt means the backend is unavailable rather than the request being bad.
func exhaustedIsInfrastructure(err error) bool {
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmerrors.IsInfrastructure(err) || llmErr.Type == llmerrors.ErrorTypeUnknown
	}
	return true
}

// Policy encapsulates retry configuration and logic.
//
//nolint:govet // Simple struct, logical grouping preferred
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a new retry policy with the given configuration and classifier.
func NewPolicy(cfg Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Policy{
		Config:     cfg,
		Classifier: classifier,
	}
}

// CalculateDelay computes the delay before the given attempt number (1-based).
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))

	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	// +/-10%
	if p.Config.Jitter && delay > 0 {
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}

	return delay
}

// ShouldRetry determines if an error should be retried based on the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
