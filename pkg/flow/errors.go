package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kevin-nav/sankosides/pkg/agent/llmerrors"
	"github.com/Kevin-nav/sankosides/pkg/recovery"
	"github.com/Kevin-nav/sankosides/pkg/render"
	"github.com/Kevin-nav/sankosides/pkg/slides"
)

// Input errors. They are returned immediately and never retried.
var (
	ErrSessionNotFound         = errors.New("session not found")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrOrderFormIncomplete     = slides.ErrOrderFormIncomplete
	ErrNotCompleted            = errors.New("presentation not completed")
	ErrNotReadyForConfirmation = errors.New("requirements not complete enough to confirm")
	ErrInvalidInput            = errors.New("invalid input")
	ErrClosed                  = errors.New("flow engine closed")
)

// FailedError is returned by Result for a failed session. It wraps
// ErrNotCompleted and carries whatever the pipeline produced.
type FailedError struct {
	SessionID       string
	Message         string
	FailureReportID string
	Partial         *PartialResult
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("session %s failed: %s", e.SessionID, e.Message)
}

func (e *FailedError) Unwrap() error { return ErrNotCompleted }

// IsInfrastructure reports whether err is a transport or storage failure rather
// than a stage logic failure. Such errors never consume retry budget.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := recovery.AsStageError(err); ok {
		return false
	}
	if _, ok := recovery.IsEscalation(err); ok {
		return false
	}
	return recovery.IsInfrastructure(err) || llmerrors.IsInfrastructure(err) || render.IsUnavailable(err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
