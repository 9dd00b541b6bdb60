package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/resilience/circuit"
	"github.com/Kevin-nav/sankosides/pkg/config"
)

type scriptedClient struct {
	errs  []error
	calls int
}

func (s *scriptedClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return llm.CompletionResponse{}, s.errs[s.calls-1]
	}
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (s *scriptedClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.CompleteAsStream(ctx, s, req)
}

func (s *scriptedClient) GetModelName() string { return "test-model" }

func fastPolicy(attempts int) *Policy {
	return NewPolicy(Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}, nil)
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("op: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("http: %w", context.DeadlineExceeded), true},
		{"circuit", &circuit.Error{State: circuit.Open}, false},
		{"auth", llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key"), false},
		{"bad prompt", llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "too long"), false},
		{"unavailable", llmerrors.NewServiceUnavailableError(errors.New("x"), 3), false},
		{"rate limit", llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down"), true},
		{"transient", llmerrors.NewError(llmerrors.ErrorTypeTransient, "502"), true},
		{"empty", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, ""), true},
		{"plain 503", errors.New("upstream returned 503"), true},
		{"plain connection", errors.New("Connection reset by peer"), true},
		{"plain 404", errors.New("status 404"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.err))
		})
	}
}

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}, nil)
	assert.Zero(t, p.CalculateDelay(1))
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, 200*time.Millisecond, p.CalculateDelay(3))
	assert.Equal(t, 300*time.Millisecond, p.CalculateDelay(4))

	p.Config.Jitter = true
	for i := 0; i < 20; i++ {
		d := p.CalculateDelay(2)
		assert.InDelta(t, float64(100*time.Millisecond), float64(d), float64(10*time.Millisecond))
	}
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.RetryConfig{})
	assert.Equal(t, DefaultConfig.MaxAttempts, c.MaxAttempts)

	c = FromConfig(config.RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, BackoffFactor: 3})
	assert.Equal(t, 5, c.MaxAttempts)
	assert.Equal(t, time.Second, c.InitialDelay)
	assert.InDelta(t, 3.0, c.BackoffFactor, 0.001)
}

func TestMiddlewareRetriesThenSucceeds(t *testing.T) {
	base := &scriptedClient{errs: []error{
		llmerrors.NewError(llmerrors.ErrorTypeTransient, "502"),
		llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429"),
	}}
	client := llm.Chain(base, Middleware(fastPolicy(3)))

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, base.calls)
}

func TestMiddlewareExhaustionIsServiceUnavailable(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "502")
	base := &scriptedClient{errs: []error{transient, transient, transient}}
	client := llm.Chain(base, Middleware(fastPolicy(3)))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.IsServiceUnavailable(err))
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, base.calls)
}

func TestMiddlewareNonRetryablePassesThrough(t *testing.T) {
	auth := llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")
	base := &scriptedClient{errs: []error{auth}}
	client := llm.Chain(base, Middleware(fastPolicy(3)))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	assert.Same(t, auth, err)
	assert.Equal(t, 1, base.calls)
}

func TestMiddlewareEmptyResponseKeepsType(t *testing.T) {
	empty := llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "")
	base := &scriptedClient{errs: []error{empty, empty}}
	client := llm.Chain(base, Middleware(fastPolicy(2)))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
	assert.False(t, llmerrors.IsInfrastructure(err))
}

func TestMiddlewareStopsOnCancel(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "502")
	base := &scriptedClient{errs: []error{transient, transient, transient}}
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}, nil)
	client := llm.Chain(base, Middleware(p))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := client.Complete(ctx, llm.CompletionRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, base.calls)
}
