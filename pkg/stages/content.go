package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/clarify"
	"github.com/Kevin-nav/sankosides/pkg/slides"
)

// ErrNoModel is returned by stages that have no deterministic fallback.
var ErrNoModel = errors.New("stage requires a configured model")

// Clarify produces the assistant's next clarification turn.
func (p *Pipeline) Clarify(ctx context.Context, env Env, history []clarify.Turn, info *clarify.GatheredInfo) (string, error) {
	if p.clients == nil {
		return clarify.NextQuestion(info), nil
	}

	data := &PromptData{
		Info:     info,
		History:  history,
		Missing:  info.MissingRequired(),
		Optional: info.MissingOptional(),
		Ready:    info.IsReadyForConfirmation(),
	}
	var reply string
	err := p.call(ctx, env, Clarifier, data, nil, func(raw string) error {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return missing(Clarifier, raw, "empty reply")
		}
		reply = raw
		return nil
	})
	if err != nil {
		return "", err
	}
	// Keep the deterministic confirmation marker so the session can advance
	// even when the model phrases its summary loosely.
	if data.Ready && !clarify.DetectsConfirmationRequest(reply) {
		reply += "\n\n" + clarify.ConfirmationPrompt
	}
	return reply, nil
}

// Document is an uploaded source file.
type Document struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// Synthesize extracts a knowledge base from documents, one model call per document.
func (p *Pipeline) Synthesize(ctx context.Context, env Env, docs []Document) (*slides.KnowledgeBase, error) {
	if p.clients == nil {
		return nil, fmt.Errorf("%s: %w", Synthesizer, ErrNoModel)
	}
	kb := &slides.KnowledgeBase{}
	for _, doc := range docs {
		att := llm.Attachment{MIMEType: doc.MIMEType, Data: doc.Data, Name: doc.Name}
		err := p.call(ctx, env, Synthesizer, &PromptData{DocumentName: doc.Name}, []llm.Attachment{att},
			func(raw string) error {
				var part slides.KnowledgeBase
				if err := decodeJSON(Synthesizer, raw, &part); err != nil {
					return err
				}
				if len(part.Sections) == 0 {
					return missing(Synthesizer, raw, "no sections extracted from %s", doc.Name)
				}
				kb.Merge(&part)
				return nil
			})
		if err != nil {
			return nil, err
		}
	}
	return kb, nil
}

// Outline designs the slide skeleton. The result always has exactly
// form.TargetSlides contiguous slides.
func (p *Pipeline) Outline(ctx context.Context, env Env, form *slides.OrderForm,
	kb *slides.KnowledgeBase, research string,
) (*slides.Skeleton, error) {
	if p.clients == nil {
		return slides.BuildSkeleton(form, kb), nil
	}

	var skel *slides.Skeleton
	data := &PromptData{Form: form, Knowledge: kb, Research: research}
	err := p.call(ctx, env, Outliner, data, nil, func(raw string) error {
		var out slides.Skeleton
		if err := decodeJSON(Outliner, raw, &out); err != nil {
			return err
		}
		if len(out.Slides) != form.TargetSlides {
			return missing(Outliner, raw, "outline has %d slides, want exactly %d", len(out.Slides), form.TargetSlides)
		}
		for i := range out.Slides {
			s := &out.Slides[i]
			if strings.TrimSpace(s.Title) == "" {
				return missing(Outliner, raw, "slide %d has no title", i+1)
			}
			if !s.ContentType.Valid() {
				s.ContentType = slides.ContentContent
			}
		}
		slides.Renumber(out.Slides)
		if out.Title == "" {
			out.Title = form.Title
		}
		if out.TargetAudience == "" {
			out.TargetAudience = form.TargetAudience
		}
		skel = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return skel, nil
}

// Plan writes bullet content for every skeleton slide.
func (p *Pipeline) Plan(ctx context.Context, env Env, form *slides.OrderForm, skel *slides.Skeleton) (*slides.PlannedContent, error) {
	if p.clients == nil {
		return planDeterministic(form, skel), nil
	}

	var planned *slides.PlannedContent
	data := &PromptData{Form: form, Skeleton: skel}
	err := p.call(ctx, env, Planner, data, nil, func(raw string) error {
		var out slides.PlannedContent
		if err := decodeJSON(Planner, raw, &out); err != nil {
			return err
		}
		if err := checkPlan(raw, skel, &out); err != nil {
			return err
		}
		applyForm(form, skel, &out)
		planned = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return planned, nil
}

// checkPlan requires one planned slide per skeleton slide, in order, and bullets
// on every slide that is not a title or section divider.
func checkPlan(raw string, skel *slides.Skeleton, out *slides.PlannedContent) error {
	if len(out.Slides) != len(skel.Slides) {
		return missing(Planner, raw, "planned %d slides, outline has %d", len(out.Slides), len(skel.Slides))
	}
	for i := range skel.Slides {
		ps := &out.Slides[i]
		if ps.Order != skel.Slides[i].Order {
			return missing(Planner, raw, "slide at position %d has order %d, want %d", i+1, ps.Order, skel.Slides[i].Order)
		}
		switch skel.Slides[i].ContentType {
		case slides.ContentTitle, slides.ContentSection:
		default:
			if len(ps.BulletPoints) == 0 {
				return missing(Planner, raw, "slide %d has no bullet points", ps.Order)
			}
		}
	}
	return nil
}

// applyForm fills fields the planner may omit from the skeleton and order form.
func applyForm(form *slides.OrderForm, skel *slides.Skeleton, out *slides.PlannedContent) {
	if out.Title == "" {
		out.Title = skel.Title
	}
	out.TargetAudience = skel.TargetAudience
	out.ThemeID = form.ThemeID
	out.CitationStyle = form.CitationStyle
	for i := range out.Slides {
		ps, ss := &out.Slides[i], &skel.Slides[i]
		if ps.Title == "" {
			ps.Title = ss.Title
		}
		if !ps.ContentType.Valid() {
			ps.ContentType = ss.ContentType
		}
		if !form.IncludeSpeakerNotes {
			ps.SpeakerNotes = ""
		}
	}
}

func planDeterministic(form *slides.OrderForm, skel *slides.Skeleton) *slides.PlannedContent {
	out := &slides.PlannedContent{Slides: make([]slides.PlannedSlide, 0, len(skel.Slides))}
	for _, ss := range skel.Slides {
		ps := slides.PlannedSlide{
			Order:        ss.Order,
			Title:        ss.Title,
			ContentType:  ss.ContentType,
			BulletPoints: sentences(ss.Description),
			ImageQuery:   ss.ImageDescription,
		}
		if len(ps.BulletPoints) == 0 && ss.ContentType != slides.ContentTitle {
			ps.BulletPoints = []string{ss.Title}
		}
		if ss.NeedsEquation && ss.EquationDescription != "" {
			ps.EquationPlaceholders = []string{ss.EquationDescription}
		}
		if ss.NeedsDiagram && ss.DiagramDescription != "" {
			ps.DiagramPlaceholders = []string{ss.DiagramDescription}
		}
		if form.IncludeSpeakerNotes {
			ps.SpeakerNotes = "Walk the audience through " + ss.Title + "."
		}
		out.Slides = append(out.Slides, ps)
	}
	applyForm(form, skel, out)
	return out
}

// sentences splits a description into bullet-sized sentences.
func sentences(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ';' || r == '\n' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
