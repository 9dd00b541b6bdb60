package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/logx"
)

// Request describes one stage invocation under recovery.
type Request struct {
	Stage    string
	Prompt   string
	QAIssues []string
	// Invoke calls the model. Errors that are not StageErrors are treated as
	// infrastructure failures and returned unchanged.
	Invoke func(ctx context.Context, prompt string) (string, error)
	// Accept parses and validates raw output. A non-StageError is classified as
	// malformed output, except InfraErrors, which are returned unchanged.
	Accept func(raw string) error
}

// EscalationError is returned when a stage exhausted its budget.
type EscalationError struct {
	Report *FailureReport
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("stage %s escalated: %s", e.Report.FailingAgent, e.Report.EscalateReason)
}

// IsEscalation reports whether err carries a failure report.
func IsEscalation(err error) (*FailureReport, bool) {
	var ee *EscalationError
	if errors.As(err, &ee) {
		return ee.Report, true
	}
	return nil, false
}

// Runner drives a stage through the policy until it succeeds or escalates.
type Runner struct {
	SessionID string
	Policy    *Policy
	Budget    *RetryBudget
	Reports   ReportStore
	logger    *logx.Logger
}

func NewRunner(sessionID string, policy *Policy, budget *RetryBudget, reports ReportStore) *Runner {
	if policy == nil {
		policy = NewPolicy()
	}
	if budget == nil {
		budget = NewRetryBudget(DefaultMaxAttempts)
	}
	return &Runner{
		SessionID: sessionID,
		Policy:    policy,
		Budget:    budget,
		Reports:   reports,
		logger:    logx.NewLogger("recovery"),
	}
}

// Run invokes the stage and applies recovery decisions. It returns nil once
// Accept succeeds, an *EscalationError when the budget is exhausted, or the
// first infrastructure error unchanged.
func (r *Runner) Run(ctx context.Context, req Request) error {
	var attempts []Attempt

	raw, err := req.Invoke(ctx, req.Prompt)
	for {
		var se *StageError
		if err != nil {
			var ok bool
			if se, ok = AsStageError(err); !ok {
				return err
			}
		} else if aerr := req.Accept(raw); aerr == nil {
			return nil
		} else if IsInfrastructure(aerr) {
			return aerr
		} else if se, _ = AsStageError(aerr); se == nil {
			se = NewStageError(req.Stage, MalformedOutput, raw, aerr)
		}
		if se.Stage == "" {
			se.Stage = req.Stage
		}

		fc := se.Context(req.Prompt, r.Budget.Attempts(req.Stage), req.QAIssues)
		fc.Stage = req.Stage
		d := r.Policy.Decide(r.Budget, fc)
		if d.Action != ActionEscalate && !r.Budget.Reserve(req.Stage) {
			// Another slide of this stage took the last slot.
			d = r.Policy.exhausted(r.Budget, fc)
		}

		switch d.Action {
		case ActionEscalate:
			return r.escalate(ctx, fc, d, attempts)
		case ActionDirectFix:
			raw, err = d.FixedOutput, nil
		default:
			raw, err = req.Invoke(ctx, BuildRetryPrompt(req.Prompt, d, fc))
			if err != nil {
				if _, ok := AsStageError(err); !ok {
					r.Budget.Release(req.Stage)
					return err
				}
			}
		}
		n := r.Budget.Commit(req.Stage)
		attempts = append(attempts, Attempt{
			Number:     n,
			Action:     d.Action,
			Guardrails: d.Guardrails,
			Error:      fc.ErrorMessage,
			At:         time.Now().UTC(),
		})
	}
}

// escalate writes one report per stage. Concurrent slides that escalate the
// same stage share the first report; once the caller's context is cancelled a
// stage that has not escalated yet returns the context error instead.
func (r *Runner) escalate(ctx context.Context, fc FailureContext, d Decision, attempts []Attempt) error {
	if err := ctx.Err(); err != nil {
		if report, ok := r.Budget.escalated(fc.Stage); ok {
			return &EscalationError{Report: report}
		}
		return err
	}
	report, created := r.Budget.escalation(fc.Stage, func() *FailureReport {
		return NewFailureReport(r.SessionID, fc, d, attempts)
	})
	if !created {
		return &EscalationError{Report: report}
	}
	if r.Reports != nil {
		if err := r.Reports.SaveFailureReport(ctx, report); err != nil {
			r.logger.Session(r.SessionID).Error("Failed to save failure report %s: %v", report.ID, err)
		}
	}
	r.logger.Session(r.SessionID).Warn("Created failure report: id=%s, agent=%s, type=%s",
		report.ID, report.FailingAgent, report.FailureType)
	return &EscalationError{Report: report}
}
