package stages

import (
	"context"
	"errors"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/recovery"
	"github.com/Kevin-nav/sankosides/pkg/render"
	"github.com/Kevin-nav/sankosides/pkg/slides"
)

// errNoRenderer is stored on assets when no render service is configured.
const errNoRenderer = "render service not configured"

type refinedSources struct {
	Equations []string `json:"equations"`
	Diagrams  []string `json:"diagrams"`
}

// RefineSlide turns one planned slide into a refined slide: equation and diagram
// placeholders become rendered SVG assets and citations are formatted. Slides
// without assets or citations pass through without a model call.
func (p *Pipeline) RefineSlide(ctx context.Context, env Env, form *slides.OrderForm, ps *slides.PlannedSlide) (*slides.RefinedSlide, error) {
	rs := &slides.RefinedSlide{
		Order:        ps.Order,
		Title:        ps.Title,
		ContentType:  ps.ContentType,
		BulletPoints: ps.BulletPoints,
		Citations:    ps.Citations,
		ImageQuery:   ps.ImageQuery,
		SpeakerNotes: ps.SpeakerNotes,
	}

	if len(ps.EquationPlaceholders) > 0 || len(ps.DiagramPlaceholders) > 0 {
		if err := p.refineAssets(ctx, env, ps, rs); err != nil {
			return nil, err
		}
	}

	if len(ps.Citations) > 0 {
		formatted, err := p.formatCitations(ctx, ps.Citations, form.CitationStyle)
		if err != nil {
			return nil, err
		}
		rs.FormattedCitations = formatted
	}
	return rs, nil
}

func (p *Pipeline) refineAssets(ctx context.Context, env Env, ps *slides.PlannedSlide, rs *slides.RefinedSlide) error {
	if p.clients == nil {
		eqs, diags, err := p.renderAll(ctx, ps.EquationPlaceholders, ps.DiagramPlaceholders)
		if err != nil {
			var rerr *render.RenderError
			if !errors.As(err, &rerr) {
				return err
			}
			// No model to fix the source: keep it as text on the slide.
			eqs, diags = sourceOnly(slides.AssetLatex, ps.EquationPlaceholders, rerr.Message),
				sourceOnly(slides.AssetMermaid, ps.DiagramPlaceholders, rerr.Message)
		}
		rs.Equations, rs.Diagrams = eqs, diags
		return nil
	}

	return p.call(ctx, env, Refiner, &PromptData{Slide: ps}, nil, func(raw string) error {
		var src refinedSources
		if err := decodeJSON(Refiner, raw, &src); err != nil {
			return err
		}
		if len(src.Equations) != len(ps.EquationPlaceholders) || len(src.Diagrams) != len(ps.DiagramPlaceholders) {
			return missing(Refiner, raw, "got %d equations and %d diagrams, want %d and %d",
				len(src.Equations), len(src.Diagrams), len(ps.EquationPlaceholders), len(ps.DiagramPlaceholders))
		}
		eqs, diags, err := p.renderAll(ctx, src.Equations, src.Diagrams)
		if err != nil {
			var rerr *render.RenderError
			if errors.As(err, &rerr) {
				return recovery.NewStageError(Refiner, recovery.RenderFailed, raw, err)
			}
			return err
		}
		rs.Equations, rs.Diagrams = eqs, diags
		return nil
	})
}

// renderAll renders every source. It returns the first *render.RenderError for
// a bad source, or an InfraError when the service is unreachable.
func (p *Pipeline) renderAll(ctx context.Context, equations, diagrams []string) ([]slides.RenderedAsset, []slides.RenderedAsset, error) {
	if p.renderer == nil {
		return sourceOnly(slides.AssetLatex, equations, errNoRenderer),
			sourceOnly(slides.AssetMermaid, diagrams, errNoRenderer), nil
	}

	eqs := make([]slides.RenderedAsset, 0, len(equations))
	for _, src := range equations {
		src = strings.Trim(strings.TrimSpace(src), "$")
		svg, err := p.renderer.RenderLatex(ctx, src, true)
		if err != nil {
			return nil, nil, classifyRender(err)
		}
		eqs = append(eqs, slides.RenderedAsset{Kind: slides.AssetLatex, Source: src, Output: svg})
	}
	diags := make([]slides.RenderedAsset, 0, len(diagrams))
	for _, src := range diagrams {
		src = strings.TrimSpace(src)
		svg, err := p.renderer.RenderMermaid(ctx, src)
		if err != nil {
			return nil, nil, classifyRender(err)
		}
		diags = append(diags, slides.RenderedAsset{Kind: slides.AssetMermaid, Source: src, Output: svg})
	}
	return eqs, diags, nil
}

func classifyRender(err error) error {
	var rerr *render.RenderError
	if errors.As(err, &rerr) || errors.Is(err, context.Canceled) {
		return err
	}
	return recovery.Infrastructure(err)
}

func sourceOnly(kind slides.AssetKind, sources []string, reason string) []slides.RenderedAsset {
	out := make([]slides.RenderedAsset, 0, len(sources))
	for _, src := range sources {
		out = append(out, slides.RenderedAsset{Kind: kind, Source: src, Error: reason})
	}
	return out
}

// formatCitations asks the render service to format citations. A rejected
// citation list degrades to the local formatter; an unreachable service is
// infrastructure.
func (p *Pipeline) formatCitations(ctx context.Context, cites []slides.Citation, style string) ([]string, error) {
	if p.renderer != nil {
		formatted, err := p.renderer.FormatCitations(ctx, cites, style)
		var rerr *render.RenderError
		switch {
		case err == nil && len(formatted) == len(cites):
			return formatted, nil
		case err == nil, errors.As(err, &rerr):
			p.logger.Warn("Citation formatting rejected, using local format: %v", err)
		default:
			return nil, classifyRender(err)
		}
	}
	out := make([]string, 0, len(cites))
	for _, c := range cites {
		out = append(out, FormatCitation(c))
	}
	return out, nil
}

// FormatCitation renders a citation as "Authors (Year). Title. Source." with
// missing parts omitted.
func FormatCitation(c slides.Citation) string {
	var parts []string
	head := strings.Join(c.Authors, ", ")
	if c.Year != "" {
		head = strings.TrimSpace(head + " (" + c.Year + ")")
	}
	if head != "" {
		parts = append(parts, head+".")
	}
	parts = append(parts, strings.TrimSuffix(c.Title, ".")+".")
	if c.Source != "" {
		parts = append(parts, strings.TrimSuffix(c.Source, ".")+".")
	}
	switch {
	case c.DOI != "":
		parts = append(parts, "https://doi.org/"+c.DOI)
	case c.URL != "":
		parts = append(parts, c.URL)
	}
	return strings.Join(parts, " ")
}
