// Package limiter enforces per-model token rate, daily budget and concurrency
// limits on LLM calls.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/config"
	"github.com/Kevin-nav/sankosides/pkg/logx"
	"github.com/Kevin-nav/sankosides/pkg/usage"
)

var (
	// ErrRateLimit is returned when the token bucket cannot cover a request.
	ErrRateLimit = llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "rate limit exceeded")
	// ErrBudgetExceeded is returned once a model has spent its daily budget.
	ErrBudgetExceeded = llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "daily budget exceeded")
)

// Limiter manages limits across models. Models without a configured limit pass through.
type Limiter struct {
	models map[string]*ModelLimiter
	now    func() time.Time
	logger *logx.Logger

	mu         sync.Mutex
	resetTimer *time.Timer
	closed     bool
}

// ModelLimiter enforces token, budget, and concurrency limits for one model.
type ModelLimiter struct {
	name  string
	limit config.ModelLimit
	slots chan struct{}

	mu            sync.Mutex
	currentTokens int
	spentUSD      float64
	lastRefill    time.Time
}

// Status is a point-in-time view of one model's limits.
type Status struct {
	Model           string  `json:"model"`
	AvailableTokens int     `json:"available_tokens"`
	SpentUSD        float64 `json:"spent_usd"`
	InFlight        int     `json:"in_flight"`
}

// NewLimiter creates a limiter and schedules the daily budget reset.
func NewLimiter(limits map[string]config.ModelLimit) *Limiter {
	return newLimiter(limits, time.Now, true)
}

func newLimiter(limits map[string]config.ModelLimit, now func() time.Time, scheduleReset bool) *Limiter {
	l := &Limiter{
		models: make(map[string]*ModelLimiter, len(limits)),
		now:    now,
		logger: logx.NewLogger("limiter"),
	}
	for name, limit := range limits {
		ml := &ModelLimiter{
			name:          name,
			limit:         limit,
			currentTokens: limit.MaxTPM, // start with a full bucket
			lastRefill:    now(),
		}
		if limit.MaxConcurrent > 0 {
			ml.slots = make(chan struct{}, limit.MaxConcurrent)
		}
		l.models[name] = ml
	}
	if scheduleReset && len(l.models) > 0 {
		l.scheduleDailyReset()
	}
	return l
}

// Acquire waits for a concurrency slot, then charges tokens to the bucket and
// checks the budget. The returned release must be called once the request ends.
func (l *Limiter) Acquire(ctx context.Context, model string, tokens int) (func(), error) {
	ml, ok := l.models[model]
	if !ok {
		return func() {}, nil
	}

	release := func() {}
	if ml.slots != nil {
		select {
		case ml.slots <- struct{}{}:
			var once sync.Once
			release = func() { once.Do(func() { <-ml.slots }) }
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := ml.reserve(tokens, l.now()); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// Spend records the cost of a finished request against the model's daily budget.
func (l *Limiter) Spend(model string, costUSD float64) {
	if ml, ok := l.models[model]; ok {
		ml.mu.Lock()
		ml.spentUSD += costUSD
		ml.mu.Unlock()
	}
}

// GetStatus returns the current status for a model's limits.
func (l *Limiter) GetStatus(model string) (Status, bool) {
	ml, ok := l.models[model]
	if !ok {
		return Status{}, false
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.refillTokens(l.now())
	return Status{
		Model:           model,
		AvailableTokens: ml.currentTokens,
		SpentUSD:        ml.spentUSD,
		InFlight:        len(ml.slots),
	}, true
}

// ResetDaily clears every model's spend and refills the buckets.
func (l *Limiter) ResetDaily() {
	now := l.now()
	for _, ml := range l.models {
		ml.mu.Lock()
		ml.spentUSD = 0
		ml.currentTokens = ml.limit.MaxTPM
		ml.lastRefill = now
		ml.mu.Unlock()
	}
	l.logger.Info("Daily limits reset for %d models", len(l.models))
}

// Close stops the daily reset timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.resetTimer != nil {
		l.resetTimer.Stop()
	}
}

func (ml *ModelLimiter) reserve(tokens int, now time.Time) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.limit.DailyBudgetUSD > 0 && ml.spentUSD >= ml.limit.DailyBudgetUSD {
		return ErrBudgetExceeded
	}
	if ml.limit.MaxTPM <= 0 {
		return nil
	}
	ml.refillTokens(now)
	// A request larger than the whole bucket can only run against a full one.
	if tokens > ml.limit.MaxTPM {
		tokens = ml.limit.MaxTPM
	}
	if ml.currentTokens < tokens {
		return ErrRateLimit
	}
	ml.currentTokens -= tokens
	return nil
}

func (ml *ModelLimiter) refillTokens(now time.Time) {
	elapsed := now.Sub(ml.lastRefill)
	if elapsed < time.Minute {
		return
	}
	minutes := int(elapsed / time.Minute)
	ml.currentTokens += minutes * ml.limit.MaxTPM
	if ml.currentTokens > ml.limit.MaxTPM {
		ml.currentTokens = ml.limit.MaxTPM
	}
	// Advance to the last complete minute.
	ml.lastRefill = ml.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

func (l *Limiter) scheduleDailyReset() {
	now := l.now()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.resetTimer = time.AfterFunc(nextMidnight.Sub(now), func() {
		l.ResetDaily()
		l.scheduleDailyReset()
	})
}

// Middleware enforces the limiter around each completion. The prompt size is
// estimated up front; the actual cost is charged to the budget afterwards.
func Middleware(l *Limiter) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		acquire := func(ctx context.Context, req llm.CompletionRequest) (func(), error) {
			tokens := req.MaxTokens
			for i := range req.Messages {
				tokens += usage.CountTokens(req.Messages[i].Content)
			}
			return l.Acquire(ctx, next.GetModelName(), tokens)
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				release, err := acquire(ctx, req)
				if err != nil {
					return llm.CompletionResponse{}, err
				}
				defer release()

				resp, err := next.Complete(ctx, req)
				if err == nil {
					model := next.GetModelName()
					l.Spend(model, usage.Cost(model, usage.Usage{
						InputTokens:    resp.Usage.InputTokens,
						OutputTokens:   resp.Usage.OutputTokens,
						ThinkingTokens: resp.Usage.ThinkingTokens,
					}))
				}
				return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				release, err := acquire(ctx, req)
				if err != nil {
					return nil, err
				}
				ch, err := next.Stream(ctx, req)
				if err != nil {
					release()
					return nil, err //nolint:wrapcheck // middleware passes errors through unchanged
				}
				out := make(chan llm.StreamChunk)
				go func() {
					defer close(out)
					defer release()
					for chunk := range ch {
						out <- chunk
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}
