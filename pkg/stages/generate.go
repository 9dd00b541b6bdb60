package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/recovery"
	"github.com/Kevin-nav/sankosides/pkg/slides"
)

// GenerateSlide produces the final HTML for one slide. The template rendering is
// the baseline; with a model configured it is redesigned, addressing any QA
// issues from a previous pass.
func (p *Pipeline) GenerateSlide(ctx context.Context, env Env, form *slides.OrderForm,
	rs *slides.RefinedSlide, issues []string,
) (*slides.GeneratedSlide, error) {
	baseline, err := p.html.RenderSlide(rs)
	if err != nil {
		return nil, err
	}
	gs := &slides.GeneratedSlide{Order: rs.Order, Title: rs.Title, HTML: baseline, SpeakerNotes: rs.SpeakerNotes}
	if p.clients == nil {
		return gs, nil
	}

	data := &PromptData{Form: form, Slide: rs, Baseline: baseline, Issues: issues}
	err = p.call(ctx, env, Generator, data, nil, func(raw string) error {
		out, err := ValidateSlideHTML(raw, rs)
		if err != nil {
			return err
		}
		gs.HTML = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gs, nil
}

// ValidateSlideHTML extracts the slide element from model output and checks it
// belongs to rs: matching data-slide-id, title present, no active content. It
// returns the re-serialized element.
func ValidateSlideHTML(raw string, rs *slides.RefinedSlide) (string, error) {
	root, err := parseSlide(raw)
	if err != nil {
		return "", recovery.NewStageError(Generator, recovery.MalformedOutput, raw, err)
	}
	if id, ok := slideID(root); !ok || id != rs.Order {
		return "", recovery.NewStageError(Generator, recovery.MalformedOutput, raw,
			fmt.Errorf("data-slide-id must be %d", rs.Order))
	}
	if err := checkSafe(root); err != nil {
		return "", recovery.NewStageError(Generator, recovery.MalformedOutput, raw, err)
	}
	if !strings.Contains(normalize(textOf(root)), normalize(rs.Title)) {
		return "", missing(Generator, raw, "slide title %q not found in output", rs.Title)
	}
	out, err := renderNode(root)
	if err != nil {
		return "", recovery.NewStageError(Generator, recovery.MalformedOutput, raw, err)
	}
	return out, nil
}
