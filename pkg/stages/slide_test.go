package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/agent"
	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/recovery"
	"github.com/Kevin-nav/sankosides/pkg/render"
	"github.com/Kevin-nav/sankosides/pkg/slides"
)

// fakeRenderer rejects any source containing "bad" and fails entirely when down is set.
type fakeRenderer struct {
	mu       sync.Mutex
	down     bool
	rejectCi bool
	sources  []string
}

func (f *fakeRenderer) render(kind slides.AssetKind, src string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, src)
	if f.down {
		return "", fmt.Errorf("%w: connection refused", render.ErrUnavailable)
	}
	if strings.Contains(src, "bad") {
		return "", &render.RenderError{Kind: kind, Message: "syntax error"}
	}
	return "<svg data-src=\"" + string(kind) + "\"></svg>", nil
}

func (f *fakeRenderer) RenderLatex(_ context.Context, latex string, _ bool) (string, error) {
	return f.render(slides.AssetLatex, latex)
}

func (f *fakeRenderer) RenderMermaid(_ context.Context, diagram string) (string, error) {
	return f.render(slides.AssetMermaid, diagram)
}

func (f *fakeRenderer) FormatCitations(_ context.Context, cites []slides.Citation, style string) ([]string, error) {
	if f.rejectCi {
		return nil, &render.RenderError{Kind: slides.AssetCitation, Message: "unknown style"}
	}
	out := make([]string, len(cites))
	for i, c := range cites {
		out[i] = style + ": " + c.Title
	}
	return out, nil
}

func plannedWithAssets() *slides.PlannedSlide {
	return &slides.PlannedSlide{
		Order:                3,
		Title:                "Energy",
		ContentType:          slides.ContentEquation,
		BulletPoints:         []string{"Mass-energy equivalence"},
		EquationPlaceholders: []string{"$E = mc^2$"},
		DiagramPlaceholders:  []string{"graph TD; A-->B"},
	}
}

func TestRefinePassesThroughPlainSlides(t *testing.T) {
	src := scripted()
	p := newPipeline(t, WithClients(src), WithRenderer(&fakeRenderer{}))
	ps := &slides.PlannedSlide{Order: 2, Title: "Intro", ContentType: slides.ContentContent, BulletPoints: []string{"a"}}
	rs, err := p.RefineSlide(context.Background(), testEnv(), testForm(3), ps)
	require.NoError(t, err)
	assert.Equal(t, "Intro", rs.Title)
	assert.Empty(t, src.client.Calls())
}

func TestRefineWithoutModelRendersPlaceholders(t *testing.T) {
	fr := &fakeRenderer{}
	p := newPipeline(t, WithRenderer(fr))
	rs, err := p.RefineSlide(context.Background(), testEnv(), testForm(3), plannedWithAssets())
	require.NoError(t, err)
	require.Len(t, rs.Equations, 1)
	assert.Equal(t, "E = mc^2", rs.Equations[0].Source, "math delimiters are stripped")
	assert.False(t, rs.Equations[0].Failed())
	assert.Contains(t, rs.Diagrams[0].Output, "<svg")
}

func TestRefineWithoutRendererKeepsSource(t *testing.T) {
	p := newPipeline(t)
	rs, err := p.RefineSlide(context.Background(), testEnv(), testForm(3), plannedWithAssets())
	require.NoError(t, err)
	assert.True(t, rs.Equations[0].Failed())
	assert.Equal(t, "$E = mc^2$", rs.Equations[0].Source)
	assert.Equal(t, errNoRenderer, rs.Diagrams[0].Error)
}

func TestRefineRerunsOnRenderFailure(t *testing.T) {
	fr := &fakeRenderer{}
	src := scripted(
		`{"equations": ["\\frac{bad"], "diagrams": ["graph TD; A-->B"]}`,
		`{"equations": ["E = mc^2"], "diagrams": ["graph TD; A-->B"]}`,
	)
	p := newPipeline(t, WithClients(src), WithRenderer(fr))
	env := testEnv()

	rs, err := p.RefineSlide(context.Background(), env, testForm(3), plannedWithAssets())
	require.NoError(t, err)
	assert.Equal(t, "E = mc^2", rs.Equations[0].Source)
	assert.Equal(t, 1, env.Runner.Budget.Attempts(Refiner))

	calls := src.client.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, lastPrompt(calls[1]), "Asset rendering failed")
}

func TestRefineRenderServiceDownIsInfrastructure(t *testing.T) {
	src := scripted(`{"equations": ["E = mc^2"], "diagrams": ["graph TD; A-->B"]}`)
	p := newPipeline(t, WithClients(src), WithRenderer(&fakeRenderer{down: true}))
	env := testEnv()

	_, err := p.RefineSlide(context.Background(), env, testForm(3), plannedWithAssets())
	require.Error(t, err)
	assert.True(t, recovery.IsInfrastructure(err))
	assert.ErrorIs(t, err, render.ErrUnavailable)
	assert.Zero(t, env.Runner.Budget.Attempts(Refiner))
}

func TestRefineFormatsCitations(t *testing.T) {
	ps := &slides.PlannedSlide{Order: 2, Title: "Prior work", ContentType: slides.ContentContent,
		BulletPoints: []string{"a"},
		Citations:    []slides.Citation{{Title: "Quantum supremacy", Authors: []string{"Arute"}, Year: "2019", Source: "Nature"}},
	}
	form := testForm(3)
	form.CitationStyle = "ieee"

	p := newPipeline(t, WithRenderer(&fakeRenderer{}))
	rs, err := p.RefineSlide(context.Background(), testEnv(), form, ps)
	require.NoError(t, err)
	assert.Equal(t, []string{"ieee: Quantum supremacy"}, rs.FormattedCitations)

	p = newPipeline(t, WithRenderer(&fakeRenderer{rejectCi: true}))
	rs, err = p.RefineSlide(context.Background(), testEnv(), form, ps)
	require.NoError(t, err)
	assert.Equal(t, []string{"Arute (2019). Quantum supremacy. Nature."}, rs.FormattedCitations)
}

func TestFormatCitation(t *testing.T) {
	assert.Equal(t, "Untitled.", FormatCitation(slides.Citation{Title: "Untitled"}))
	assert.Equal(t, "(2020). Report. https://doi.org/10.1/x",
		FormatCitation(slides.Citation{Title: "Report.", Year: "2020", DOI: "10.1/x"}))
	assert.Equal(t, "A, B. T. https://e.org",
		FormatCitation(slides.Citation{Title: "T", Authors: []string{"A", "B"}, URL: "https://e.org"}))
}

func refined() *slides.RefinedSlide {
	return &slides.RefinedSlide{
		Order:        2,
		Title:        "Qubits & Gates",
		ContentType:  slides.ContentContent,
		BulletPoints: []string{"Superposition", "Entanglement"},
	}
}

func TestGenerateWithoutModelUsesTemplate(t *testing.T) {
	p := newPipeline(t)
	gs, err := p.GenerateSlide(context.Background(), testEnv(), testForm(3), refined(), nil)
	require.NoError(t, err)
	assert.Contains(t, gs.HTML, `data-slide-id="2"`)
	assert.Contains(t, gs.HTML, "Qubits &amp; Gates")

	_, err = ValidateSlideHTML(gs.HTML, refined())
	assert.NoError(t, err, "the template baseline must pass validation")
}

func TestGenerateRejectsScriptsThenAccepts(t *testing.T) {
	src := scripted(
		"```html\n<section class=\"slide\" data-slide-id=\"2\"><h2>Qubits &amp; Gates</h2><script>alert(1)</script></section>\n```",
		"Here you go:\n<section class=\"slide slide-content\" data-slide-id=\"2\"><h2>Qubits &amp; Gates</h2><ul><li>Superposition</li></ul></section>",
	)
	p := newPipeline(t, WithClients(src))
	issues := []string{"text overflow on bullet 2"}

	gs, err := p.GenerateSlide(context.Background(), testEnv(), testForm(3), refined(), issues)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gs.HTML, "<section"), gs.HTML)
	assert.NotContains(t, gs.HTML, "Here you go")
	assert.NotContains(t, gs.HTML, "script")

	calls := src.client.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, lastPrompt(calls[0]), "text overflow on bullet 2")
	assert.Contains(t, lastPrompt(calls[0]), `data-slide-id="2"`, "baseline HTML is in the prompt")
}

func TestValidateSlideHTML(t *testing.T) {
	rs := refined()
	tests := []struct {
		name string
		html string
		want recovery.FailureType
	}{
		{"no slide", "<div>Qubits &amp; Gates</div>", recovery.MalformedOutput},
		{"wrong id", `<section class="slide" data-slide-id="3"><h2>Qubits &amp; Gates</h2></section>`, recovery.MalformedOutput},
		{"handler", `<section class="slide" data-slide-id="2"><h2 onclick="x()">Qubits &amp; Gates</h2></section>`, recovery.MalformedOutput},
		{"js url", `<section class="slide" data-slide-id="2"><a href="javascript:x()">Qubits &amp; Gates</a></section>`, recovery.MalformedOutput},
		{"missing title", `<section class="slide" data-slide-id="2"><h2>Something else</h2></section>`, recovery.MissingContent},
		{"ok", `<section class="slide" data-slide-id="2"><h2>qubits   &amp; gates</h2></section>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateSlideHTML(tt.html, rs)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			se, ok := recovery.AsStageError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.want, se.FailureType)
		})
	}
}

func generated(t *testing.T, p *Pipeline, rs *slides.RefinedSlide) *slides.GeneratedSlide {
	t.Helper()
	gs, err := p.GenerateSlide(context.Background(), testEnv(), testForm(3), rs, nil)
	require.NoError(t, err)
	return gs
}

func TestHeuristicGrade(t *testing.T) {
	p := newPipeline(t)

	rs := refined()
	res := HeuristicGrade(rs, generated(t, p, rs))
	assert.InDelta(t, 100, res.Score, 0.001)
	assert.Empty(t, res.Issues)

	crowded := refined()
	for i := range 8 {
		crowded.BulletPoints = append(crowded.BulletPoints, fmt.Sprintf("point %d", i))
	}
	res = HeuristicGrade(crowded, generated(t, p, crowded))
	assert.InDelta(t, 90, res.Score, 0.001)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "too many bullet points (10)")

	failed := refined()
	failed.Equations = []slides.RenderedAsset{{Kind: slides.AssetLatex, Source: "\\frac{", Error: "syntax"}}
	res = HeuristicGrade(failed, generated(t, p, failed))
	assert.InDelta(t, 85, res.Score, 0.001)

	res = HeuristicGrade(rs, &slides.GeneratedSlide{Order: 2, HTML: "<p>nothing</p>"})
	assert.Zero(t, res.Score)
}

type fakeCapturer struct {
	err   error
	calls int
}

func (f *fakeCapturer) Capture(_ context.Context, html string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if !strings.Contains(html, "<!DOCTYPE html>") && !strings.Contains(html, "<html") {
		return nil, errors.New("not a document")
	}
	return []byte("\x89PNG"), nil
}

func TestGradeSlideAttachesScreenshot(t *testing.T) {
	client := agent.NewMockLLMClient(nil, nil)
	var attachments []llm.Attachment
	client.Respond = func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		attachments = req.Messages[len(req.Messages)-1].Attachments
		return llm.CompletionResponse{Content: `{"score": 88, "issues": ["low contrast"]}`}, nil
	}
	capt := &fakeCapturer{}
	p := newPipeline(t, WithClients(&mockSource{client: client}), WithCapturer(capt))

	rs := refined()
	res, err := p.GradeSlide(context.Background(), testEnv(), testForm(3), rs, generated(t, newPipeline(t), rs))
	require.NoError(t, err)
	assert.InDelta(t, 88, res.Score, 0.001)
	assert.Equal(t, []string{"low contrast"}, res.Issues)
	assert.Equal(t, 2, res.Order)
	require.Len(t, attachments, 1)
	assert.Equal(t, "image/png", attachments[0].MIMEType)
	assert.Contains(t, lastPrompt(client.Calls()[0]), "screenshot of the rendered slide is attached")
}

func TestGradeSlideScreenshotFailureDegrades(t *testing.T) {
	src := scripted(`{"score": 97}`)
	p := newPipeline(t, WithClients(src), WithCapturer(&fakeCapturer{err: errors.New("chrome missing")}))

	rs := refined()
	res, err := p.GradeSlide(context.Background(), testEnv(), testForm(3), rs, generated(t, newPipeline(t), rs))
	require.NoError(t, err)
	assert.InDelta(t, 97, res.Score, 0.001)
	assert.Empty(t, src.client.Calls()[0].Messages[1].Attachments)
}

func TestGradeSlideRejectsOutOfRangeScore(t *testing.T) {
	src := scripted(`{"score": 140}`, `{"issues": []}`, `{"score": 70, "issues": ["cluttered"]}`)
	p := newPipeline(t, WithClients(src))
	env := testEnv()

	rs := refined()
	res, err := p.GradeSlide(context.Background(), env, testForm(3), rs, generated(t, newPipeline(t), rs))
	require.NoError(t, err)
	assert.InDelta(t, 70, res.Score, 0.001)
	assert.Len(t, src.client.Calls(), 3)
	assert.Equal(t, 2, env.Runner.Budget.Attempts(VisualQA))
}
