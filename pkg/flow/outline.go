package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/events"
	"github.com/Kevin-nav/sankosides/pkg/poll"
	"github.com/Kevin-nav/sankosides/pkg/slides"
	"github.com/Kevin-nav/sankosides/pkg/stages"
)

// GenerateOutline designs the skeleton and pauses for the user's approval.
func (e *Engine) GenerateOutline(ctx context.Context, id string) (*slides.Skeleton, error) {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	form, err := outlineForm(s.current())
	if err != nil {
		return nil, err
	}

	// Deep research polls for minutes, so it runs before the session lock is
	// taken and its text is checkpointed for the locked section below.
	var research string
	if s.current().Research == "" && form.ResearchMode == slides.ResearchDeep {
		research = e.runResearch(ctx, id, &form)
		if research != "" {
			err := e.update(ctx, s, persistRetry, func(st *State) (*notice, error) {
				if err := ValidTransitions.Check(st.Status, StatusAwaitingOutlineApproval); err != nil {
					return nil, err
				}
				st.Research = research
				return nil, nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current()
	form, err = outlineForm(cur)
	if err != nil {
		return nil, err
	}
	kb := cur.KnowledgeBase
	if research == "" {
		research = cur.Research
	}

	err = e.apply(ctx, s, persistNone, func(st *State) (*notice, error) {
		st.CurrentStage = stages.Outliner
		return &notice{typ: events.StageStart, data: map[string]any{"stage": stages.Outliner}}, nil
	})
	if err != nil {
		return nil, err
	}

	skel, err := e.pipeline.Outline(ctx, e.env(s), &form, kb, research)
	if err != nil {
		return nil, e.syncFailure(ctx, s, stages.Outliner, err)
	}

	err = e.apply(ctx, s, persistStrict, func(st *State) (*notice, error) {
		if err := st.TransitionTo(StatusAwaitingOutlineApproval); err != nil {
			return nil, err
		}
		st.Research = research
		st.Skeleton = skel
		st.TotalSlides = len(skel.Slides)
		return &notice{typ: events.Pause, data: map[string]any{
			"stage":  stages.Outliner,
			"reason": "outline_approval",
			"slides": len(skel.Slides),
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Session(id).Info("Outline ready: %d slides, awaiting approval", len(skel.Slides))
	return skel.Clone(), nil
}

// outlineForm returns the confirmed order form when cur may produce an outline.
func outlineForm(cur *State) (slides.OrderForm, error) {
	if err := ValidTransitions.Check(cur.Status, StatusAwaitingOutlineApproval); err != nil {
		return slides.OrderForm{}, err
	}
	if cur.OrderForm == nil || !cur.OrderForm.IsComplete {
		return slides.OrderForm{}, fmt.Errorf("%w: clarification has not produced a confirmed order form", ErrOrderFormIncomplete)
	}
	return *cur.OrderForm, nil
}

// runResearch runs deep research for the outline. Any outcome other than
// completion degrades to a standard outline.
func (e *Engine) runResearch(ctx context.Context, id string, form *slides.OrderForm) string {
	log := e.logger.Session(id)
	if e.researcher == nil {
		log.Warn("Deep research requested but no research client is configured; using standard outline")
		return ""
	}
	topic := form.Title
	if topics := form.Topics(); len(topics) > 0 {
		topic += " (focus: " + strings.Join(topics, ", ") + ")"
	}
	res := e.researcher.Run(ctx, topic, e.cfg.ResearchPoll)
	if res.Outcome != poll.Completed {
		log.Warn("Deep research ended %s (%v); using standard outline", res.Outcome, res.Err)
		return ""
	}
	return res.Text
}

// ApproveOutline applies the user's modifications in order and renumbers the slides.
func (e *Engine) ApproveOutline(ctx context.Context, id string, mods []slides.Modification) (*slides.Skeleton, error) {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current()
	if err := ValidTransitions.Check(cur.Status, StatusOutlineApproved); err != nil {
		return nil, err
	}
	out, err := slides.ApplyModifications(cur.Skeleton.Slides, mods)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: the outline must keep at least one slide", ErrInvalidInput)
	}

	var approved *slides.Skeleton
	err = e.apply(ctx, s, persistStrict, func(st *State) (*notice, error) {
		if err := st.TransitionTo(StatusOutlineApproved); err != nil {
			return nil, err
		}
		st.Skeleton.Slides = out
		st.TotalSlides = len(out)
		approved = st.Skeleton.Clone()
		return &notice{typ: events.StageComplete, data: map[string]any{
			"stage":         "outline_approval",
			"modifications": len(mods),
			"slides":        len(out),
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

// StartGeneration launches the plan, refine, generate and QA pipeline in the
// background. The task outlives ctx; follow it with Stream or Status.
func (e *Engine) StartGeneration(ctx context.Context, id string) (bool, error) {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = e.apply(ctx, s, persistStrict, func(st *State) (*notice, error) {
		if err := st.TransitionTo(StatusGenerating); err != nil {
			return nil, err
		}
		st.TotalSlides = len(st.Skeleton.Slides)
		st.SlidesCompleted = 0
		st.QALoops = 0
		st.ErrorMessage = ""
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	if !e.spawn(s) {
		return false, ErrClosed
	}
	e.logger.Session(id).Info("Generation started for %d slides", s.current().TotalSlides)
	return true, nil
}

// spawn starts the pipeline task unless one is already running or the engine is closed.
func (e *Engine) spawn(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		return true
	}
	e.tasks.Add(1)
	go e.runPipeline(e.baseCtx, s)
	return true
}
