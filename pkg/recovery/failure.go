// Package recovery decides how a failed pipeline stage is retried, repaired, or escalated.
package recovery

import (
	"errors"
	"fmt"
)

// FailureType classifies a stage failure. The set is closed.
type FailureType string

const (
	MalformedOutput FailureType = "malformed_output"
	MissingContent  FailureType = "missing_content"
	QALoopExceeded  FailureType = "qa_loop_exceeded"
	RenderFailed    FailureType = "render_failed"
	CitationBroken  FailureType = "citation_broken"
	ContextLost     FailureType = "context_lost"
)

// Valid reports whether t belongs to the closed failure set.
func (t FailureType) Valid() bool {
	switch t {
	case MalformedOutput, MissingContent, QALoopExceeded, RenderFailed, CitationBroken, ContextLost:
		return true
	}
	return false
}

// FailureContext carries everything the policy needs about one failed stage run.
type FailureContext struct {
	Stage            string      `json:"stage"`
	FailureType      FailureType `json:"failure_type"`
	ErrorMessage     string      `json:"error_message"`
	AgentInput       string      `json:"agent_input,omitempty"`
	AgentOutput      string      `json:"agent_output,omitempty"`
	PreviousAttempts int         `json:"previous_attempts"`
	QAIssues         []string    `json:"qa_issues,omitempty"`
}

// StageError is returned by a stage strategy when the model produced unusable output.
// Infrastructure errors must not be wrapped in a StageError.
type StageError struct {
	Stage       string
	FailureType FailureType
	Output      string
	Err         error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed: %s", e.Stage, e.FailureType)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.FailureType, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError builds a StageError. An unknown failure type is coerced to context_lost.
func NewStageError(stage string, ft FailureType, output string, err error) *StageError {
	if !ft.Valid() {
		ft = ContextLost
	}
	return &StageError{Stage: stage, FailureType: ft, Output: output, Err: err}
}

// AsStageError extracts a StageError from an error chain.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Context converts the error into a FailureContext for the given prompt and attempt count.
func (e *StageError) Context(input string, previousAttempts int, qaIssues []string) FailureContext {
	msg := string(e.FailureType)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return FailureContext{
		Stage:            e.Stage,
		FailureType:      e.FailureType,
		ErrorMessage:     msg,
		AgentInput:       input,
		AgentOutput:      e.Output,
		PreviousAttempts: previousAttempts,
		QAIssues:         qaIssues,
	}
}

// InfraError marks a failure caused by an unavailable collaborator (render
// service, store) rather than by the stage output. It never consumes budget.
type InfraError struct {
	Err error
}

func (e *InfraError) Error() string { return "infrastructure: " + e.Err.Error() }

func (e *InfraError) Unwrap() error { return e.Err }

// Infrastructure wraps err as an InfraError. A nil err stays nil.
func Infrastructure(err error) error {
	if err == nil {
		return nil
	}
	return &InfraError{Err: err}
}

// IsInfrastructure reports whether err carries an InfraError.
func IsInfrastructure(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}
