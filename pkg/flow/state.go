package flow

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/clarify"
	"github.com/Kevin-nav/sankosides/pkg/slides"
)

// Status is the position of a session in the flow.
type Status string

const (
	StatusSynthesizing            Status = "synthesizing"
	StatusAwaitingClarification   Status = "awaiting_clarification"
	StatusClarificationComplete   Status = "clarification_complete"
	StatusAwaitingOutlineApproval Status = "awaiting_outline_approval"
	StatusOutlineApproved         Status = "outline_approved"
	StatusGenerating              Status = "generating"
	StatusQAInProgress            Status = "qa_in_progress"
	StatusCompleted               Status = "completed"
	StatusFailed                  Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Running reports whether a background generation task owns the session.
func (s Status) Running() bool {
	return s == StatusGenerating || s == StatusQAInProgress
}

// TransitionTable lists the statuses reachable from each status.
type TransitionTable map[Status][]Status

// ValidTransitions is the flow's transition table. Failed is reachable from
// every non-terminal status.
//
//nolint:gochecknoglobals // read-only table
var ValidTransitions = TransitionTable{
	StatusSynthesizing:            {StatusAwaitingClarification, StatusFailed},
	StatusAwaitingClarification:   {StatusSynthesizing, StatusClarificationComplete, StatusFailed},
	StatusClarificationComplete:   {StatusAwaitingOutlineApproval, StatusFailed},
	StatusAwaitingOutlineApproval: {StatusOutlineApproved, StatusFailed},
	StatusOutlineApproved:         {StatusGenerating, StatusFailed},
	StatusGenerating:              {StatusQAInProgress, StatusFailed},
	StatusQAInProgress:            {StatusGenerating, StatusCompleted, StatusFailed},
	StatusCompleted:               {},
	StatusFailed:                  {},
}

// Allows reports whether from -> to is a valid transition.
func (t TransitionTable) Allows(from, to Status) bool {
	return slices.Contains(t[from], to)
}

// Check returns ErrInvalidTransition when from -> to is not allowed.
func (t TransitionTable) Check(from, to Status) error {
	if !t.Allows(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// State is the complete persisted state of one session. Every pipeline output
// is independently nullable.
type State struct {
	SessionID       string    `json:"session_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int64     `json:"version"`
	Status          Status    `json:"status"`
	CurrentStage    string    `json:"current_stage"`
	SlidesCompleted int       `json:"slides_completed"`
	TotalSlides     int       `json:"total_slides"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	QALoops         int       `json:"qa_loops"`
	MaxQALoops      int       `json:"max_qa_loops"`
	FailureReportID string    `json:"failure_report_id,omitempty"`

	// HelperAttempts mirrors the retry budget so it survives a restart.
	HelperAttempts map[string]int `json:"helper_attempts,omitempty"`

	ConversationHistory []clarify.Turn        `json:"conversation_history"`
	GatheredInfo        clarify.GatheredInfo  `json:"gathered_info"`
	KnowledgeBase       *slides.KnowledgeBase `json:"knowledge_base,omitempty"`
	Research            string                `json:"research,omitempty"`

	OrderForm             *slides.OrderForm             `json:"order_form,omitempty"`
	Skeleton              *slides.Skeleton              `json:"skeleton,omitempty"`
	PlannedContent        *slides.PlannedContent        `json:"planned_content,omitempty"`
	RefinedContent        *slides.RefinedContent        `json:"refined_content,omitempty"`
	GeneratedPresentation *slides.GeneratedPresentation `json:"generated_presentation,omitempty"`
	QAReport              *slides.QAReport              `json:"qa_report,omitempty"`
}

// NewState returns a session waiting for its first clarification message.
func NewState(sessionID string, maxQALoops int, now time.Time) *State {
	return &State{
		SessionID:           sessionID,
		CreatedAt:           now,
		UpdatedAt:           now,
		Status:              StatusAwaitingClarification,
		MaxQALoops:          maxQALoops,
		ConversationHistory: []clarify.Turn{},
	}
}

// TransitionTo moves the state to next, validating against ValidTransitions.
func (s *State) TransitionTo(next Status) error {
	if err := ValidTransitions.Check(s.Status, next); err != nil {
		return err
	}
	s.Status = next
	return nil
}

// Marshal encodes the state for storage.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a stored state.
func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}
	if s.ConversationHistory == nil {
		s.ConversationHistory = []clarify.Turn{}
	}
	return &s, nil
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	data, err := s.Marshal()
	if err != nil {
		// Every field is plain data; encoding cannot fail.
		panic(fmt.Sprintf("flow: cannot encode state: %v", err))
	}
	out, err := UnmarshalState(data)
	if err != nil {
		panic(fmt.Sprintf("flow: cannot decode state: %v", err))
	}
	return out
}

// PartialResult holds whatever the pipeline produced before a failure.
type PartialResult struct {
	Skeleton              *slides.Skeleton              `json:"skeleton,omitempty"`
	PlannedContent        *slides.PlannedContent        `json:"planned_content,omitempty"`
	RefinedContent        *slides.RefinedContent        `json:"refined_content,omitempty"`
	GeneratedPresentation *slides.GeneratedPresentation `json:"generated_presentation,omitempty"`
	QAReport              *slides.QAReport              `json:"qa_report,omitempty"`
}

func (s *State) partial() *PartialResult {
	return &PartialResult{
		Skeleton:              s.Skeleton,
		PlannedContent:        s.PlannedContent,
		RefinedContent:        s.RefinedContent,
		GeneratedPresentation: s.GeneratedPresentation,
		QAReport:              s.QAReport,
	}
}

// StatusView is the lightweight status returned to pollers.
type StatusView struct {
	SessionID       string         `json:"session_id"`
	Status          Status         `json:"status"`
	CurrentStage    string         `json:"current_stage"`
	SlidesCompleted int            `json:"slides_completed"`
	TotalSlides     int            `json:"total_slides"`
	QALoops         int            `json:"qa_loops"`
	MaxQALoops      int            `json:"max_qa_loops"`
	FinalQAScore    *float64       `json:"final_qa_score,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	FailureReportID string         `json:"failure_report_id,omitempty"`
	Version         int64          `json:"version"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Partial         *PartialResult `json:"partial,omitempty"`
}

// View derives the status view. A failed session carries its partial results.
func (s *State) View() StatusView {
	v := StatusView{
		SessionID:       s.SessionID,
		Status:          s.Status,
		CurrentStage:    s.CurrentStage,
		SlidesCompleted: s.SlidesCompleted,
		TotalSlides:     s.TotalSlides,
		QALoops:         s.QALoops,
		MaxQALoops:      s.MaxQALoops,
		ErrorMessage:    s.ErrorMessage,
		FailureReportID: s.FailureReportID,
		Version:         s.Version,
		UpdatedAt:       s.UpdatedAt,
	}
	if s.QAReport != nil {
		score := s.QAReport.AverageScore
		v.FinalQAScore = &score
	}
	if s.Status == StatusFailed {
		v.Partial = s.partial()
	}
	return v
}
