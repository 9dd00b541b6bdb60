package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/clarify"
	"github.com/Kevin-nav/sankosides/pkg/events"
	"github.com/Kevin-nav/sankosides/pkg/slides"
	"github.com/Kevin-nav/sankosides/pkg/stages"
)

// ClarifyResult is the outcome of one clarification turn.
type ClarifyResult struct {
	Complete          bool                 `json:"complete"`
	NeedsConfirmation bool                 `json:"needs_confirmation"`
	Question          string               `json:"question,omitempty"`
	Summary           string               `json:"summary,omitempty"`
	OrderForm         *slides.OrderForm    `json:"order_form,omitempty"`
	GatheredInfo      clarify.GatheredInfo `json:"gathered_info"`
}

// SubmitClarification folds a user message into the gathered requirements. Once
// the user confirms a summary, the order form is built and clarification ends.
func (e *Engine) SubmitClarification(ctx context.Context, id, message string) (*ClarifyResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	s, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current()
	if cur.Status != StatusAwaitingClarification {
		return nil, fmt.Errorf("%w: cannot clarify while %s", ErrInvalidTransition, cur.Status)
	}

	info := e.extractor.Extract(message, cur.GatheredInfo)
	history := append(append([]clarify.Turn(nil), cur.ConversationHistory...),
		clarify.Turn{Role: clarify.RoleUser, Content: message})

	if info.IsFullyConfirmed() {
		form := e.orderForm(info)
		err := e.apply(ctx, s, persistStrict, func(st *State) (*notice, error) {
			if err := st.TransitionTo(StatusClarificationComplete); err != nil {
				return nil, err
			}
			st.GatheredInfo = info
			st.ConversationHistory = history
			st.OrderForm = &form
			st.CurrentStage = stages.Clarifier
			return &notice{typ: events.StageComplete, data: map[string]any{"stage": stages.Clarifier}}, nil
		})
		if err != nil {
			return nil, err
		}
		e.logger.Session(id).Info("Clarification complete: %q, %d slides", form.Title, form.TargetSlides)
		return &ClarifyResult{Complete: true, Summary: info.Summary(), OrderForm: &form, GatheredInfo: info}, nil
	}

	reply, err := e.pipeline.Clarify(ctx, e.env(s), history, &info)
	if err != nil {
		return nil, e.syncFailure(ctx, s, stages.Clarifier, err)
	}
	if clarify.DetectsConfirmationRequest(reply) {
		info.ConfirmationSent = true
	}
	history = append(history, clarify.Turn{Role: clarify.RoleAssistant, Content: reply})

	err = e.apply(ctx, s, persistStrict, func(st *State) (*notice, error) {
		st.GatheredInfo = info
		st.ConversationHistory = history
		st.CurrentStage = stages.Clarifier
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	res := &ClarifyResult{Question: reply, NeedsConfirmation: info.ConfirmationSent, GatheredInfo: info}
	if info.ConfirmationSent {
		res.Summary = info.Summary()
	}
	return res, nil
}

// ConfirmClarification accepts the gathered requirements as they are.
func (e *Engine) ConfirmClarification(ctx context.Context, id string) (*slides.OrderForm, error) {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current()
	if err := ValidTransitions.Check(cur.Status, StatusClarificationComplete); err != nil {
		return nil, err
	}
	info := cur.GatheredInfo
	if !info.IsCompleteEnough() {
		return nil, fmt.Errorf("%w: missing %s", ErrNotReadyForConfirmation, strings.Join(info.MissingRequired(), ", "))
	}
	info.ConfirmationSent, info.UserConfirmed = true, true
	form := e.orderForm(info)

	err = e.apply(ctx, s, persistStrict, func(st *State) (*notice, error) {
		if err := st.TransitionTo(StatusClarificationComplete); err != nil {
			return nil, err
		}
		st.GatheredInfo = info
		st.OrderForm = &form
		st.CurrentStage = stages.Clarifier
		return &notice{typ: events.StageComplete, data: map[string]any{"stage": stages.Clarifier}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &form, nil
}

// orderForm builds the completed form, filling unset preferences from configured defaults.
func (e *Engine) orderForm(info clarify.GatheredInfo) slides.OrderForm {
	form := info.ToOrderForm()
	if info.CitationStyle == "" && e.cfg.DefaultCitationStyle != "" {
		form.CitationStyle = e.cfg.DefaultCitationStyle
	}
	if info.ThemeID == "" && e.cfg.DefaultTheme != "" {
		form.ThemeID = e.cfg.DefaultTheme
	}
	if info.Tone == "" && e.cfg.DefaultTone != "" {
		form.Tone = e.cfg.DefaultTone
	}
	form.Normalize()
	form.IsComplete = true
	return form
}

// SynthesizeDocuments digests uploaded documents into the session's knowledge
// base. The session passes through Synthesizing and returns to clarification.
func (e *Engine) SynthesizeDocuments(ctx context.Context, id string, docs []stages.Document) (*slides.KnowledgeBase, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no documents", ErrInvalidInput)
	}
	s, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = e.apply(ctx, s, persistNone, func(st *State) (*notice, error) {
		if err := st.TransitionTo(StatusSynthesizing); err != nil {
			return nil, err
		}
		st.CurrentStage = stages.Synthesizer
		return &notice{typ: events.StageStart, data: map[string]any{"stage": stages.Synthesizer, "documents": len(docs)}}, nil
	})
	if err != nil {
		return nil, err
	}

	kb, err := e.pipeline.Synthesize(ctx, e.env(s), docs)
	if err != nil {
		if _, escalated := asEscalation(err); escalated {
			return nil, e.syncFailure(ctx, s, stages.Synthesizer, err)
		}
		if rerr := e.apply(ctx, s, persistNone, func(st *State) (*notice, error) {
			return nil, st.TransitionTo(StatusAwaitingClarification)
		}); rerr != nil {
			e.logger.Session(id).Error("Failed to leave synthesizing state: %v", rerr)
		}
		return nil, err
	}

	var merged *slides.KnowledgeBase
	err = e.apply(ctx, s, persistStrict, func(st *State) (*notice, error) {
		if err := st.TransitionTo(StatusAwaitingClarification); err != nil {
			return nil, err
		}
		if st.KnowledgeBase == nil {
			st.KnowledgeBase = &slides.KnowledgeBase{}
		}
		st.KnowledgeBase.Merge(kb)
		merged = st.KnowledgeBase
		return &notice{typ: events.StageComplete, data: map[string]any{
			"stage":    stages.Synthesizer,
			"sections": len(st.KnowledgeBase.Sections),
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneValue(merged), nil
}
