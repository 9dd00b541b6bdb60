// Package stages implements the model-backed pipeline steps: clarify, synthesize,
// outline, plan, refine, generate and visual QA.
//
// Every model call runs under a recovery.Runner, so malformed output is repaired
// or retried with guardrails before the stage gives up. Without an LLM client
// source, each stage except synthesis falls back to a deterministic strategy.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/agent"
	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/agent/middleware/metrics"
	"github.com/Kevin-nav/sankosides/pkg/clarify"
	"github.com/Kevin-nav/sankosides/pkg/logx"
	"github.com/Kevin-nav/sankosides/pkg/recovery"
	"github.com/Kevin-nav/sankosides/pkg/render"
	"github.com/Kevin-nav/sankosides/pkg/slidehtml"
	"github.com/Kevin-nav/sankosides/pkg/slides"
	"github.com/Kevin-nav/sankosides/pkg/snapshot"
	"github.com/Kevin-nav/sankosides/pkg/usage"
)

// ClientSource hands out LLM clients per tier. *agent.LLMClientFactory implements it.
type ClientSource interface {
	CreateClient(tier agent.Tier) (llm.LLMClient, error)
}

// Env is the per-session context a stage runs in.
type Env struct {
	SessionID string
	Runner    *recovery.Runner
	Usage     *usage.Collector
}

func (e Env) runner() *recovery.Runner {
	if e.Runner != nil {
		return e.Runner
	}
	return recovery.NewRunner(e.SessionID, nil, nil, nil)
}

// PromptData is the data every prompt template is executed with. Stages fill
// only the fields their template reads.
type PromptData struct {
	Form          *slides.OrderForm
	Info          *clarify.GatheredInfo
	History       []clarify.Turn
	Missing       []string
	Optional      []string
	Ready         bool
	DocumentName  string
	Knowledge     *slides.KnowledgeBase
	Research      string
	Skeleton      *slides.Skeleton
	Slide         any
	Baseline      string
	Issues        []string
	HasScreenshot bool
}

// Pipeline runs stages against configured collaborators. It is safe for
// concurrent use; all per-session state lives in Env.
type Pipeline struct {
	defs     *Registry
	clients  ClientSource
	renderer render.Renderer
	capturer snapshot.Capturer
	html     *slidehtml.Renderer
	thinking string
	logger   *logx.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClients enables model-backed stages.
func WithClients(c ClientSource) Option {
	return func(p *Pipeline) { p.clients = c }
}

// WithRenderer sets the asset render service client.
func WithRenderer(r render.Renderer) Option {
	return func(p *Pipeline) { p.renderer = r }
}

// WithCapturer attaches slide screenshots to visual QA.
func WithCapturer(c snapshot.Capturer) Option {
	return func(p *Pipeline) { p.capturer = c }
}

// WithThinkingLevel sets the thinking level for stages whose definition leaves it empty.
func WithThinkingLevel(level string) Option {
	return func(p *Pipeline) { p.thinking = level }
}

// New creates a pipeline. A nil registry loads the built-in definitions.
func New(defs *Registry, opts ...Option) (*Pipeline, error) {
	if defs == nil {
		var err error
		if defs, err = Load(""); err != nil {
			return nil, err
		}
	}
	html, err := slidehtml.NewRenderer()
	if err != nil {
		return nil, err
	}
	p := &Pipeline{defs: defs, html: html, logger: logx.NewLogger("stages")}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// HasModel reports whether stages call a model or run their deterministic fallback.
func (p *Pipeline) HasModel() bool { return p.clients != nil }

// HTML exposes the slide renderer for deck assembly.
func (p *Pipeline) HTML() *slidehtml.Renderer { return p.html }

// invoker returns the recovery Invoke func for a stage.
func (p *Pipeline) invoker(env Env, def *Definition, attachments []llm.Attachment) func(context.Context, string) (string, error) {
	return func(ctx context.Context, prompt string) (string, error) {
		client, err := p.clients.CreateClient(def.Tier)
		if err != nil {
			return "", fmt.Errorf("%s: %w", def.Name, err)
		}
		ctx = metrics.WithAgent(logx.WithSession(ctx, env.SessionID), def.Name)

		req := def.Request(prompt, attachments...)
		if req.ThinkingLevel == "" {
			req.ThinkingLevel = p.thinking
		}

		start := time.Now()
		resp, err := client.Complete(ctx, req)
		if err != nil {
			if llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
				return "", recovery.NewStageError(def.Name, recovery.MissingContent, "", err)
			}
			return "", err
		}
		if env.Usage != nil {
			env.Usage.Record(def.Name, resp.Model, usage.Usage{
				InputTokens:    resp.Usage.InputTokens,
				OutputTokens:   resp.Usage.OutputTokens,
				ThinkingTokens: resp.Usage.ThinkingTokens,
			}, time.Since(start))
		}
		return resp.Content, nil
	}
}

// call renders the stage prompt and runs it under recovery until accept succeeds.
func (p *Pipeline) call(ctx context.Context, env Env, stage string, data *PromptData,
	attachments []llm.Attachment, accept func(raw string) error,
) error {
	def, err := p.defs.Get(stage)
	if err != nil {
		return err
	}
	prompt, err := p.defs.Render(stage, data)
	if err != nil {
		return err
	}
	return env.runner().Run(ctx, recovery.Request{
		Stage:    stage,
		Prompt:   prompt,
		QAIssues: data.Issues,
		Invoke:   p.invoker(env, def, attachments),
		Accept:   accept,
	})
}

// decodeJSON strictly decodes raw into out. Failures are malformed output so the
// direct fixer gets a chance to repair fences and trailing commas.
func decodeJSON(stage, raw string, out any) error {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	if err := dec.Decode(out); err != nil {
		return recovery.NewStageError(stage, recovery.MalformedOutput, raw, err)
	}
	if dec.More() {
		return recovery.NewStageError(stage, recovery.MalformedOutput, raw,
			fmt.Errorf("trailing data after JSON value"))
	}
	return nil
}

func missing(stage, raw, format string, args ...any) error {
	return recovery.NewStageError(stage, recovery.MissingContent, raw, fmt.Errorf(format, args...))
}
