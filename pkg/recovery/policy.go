package recovery

import (
	"fmt"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/logx"
)

// Action is the recovery step chosen for a failure.
type Action string

const (
	ActionDirectFix           Action = "direct_fix"
	ActionRerunWithGuardrails Action = "rerun_with_guardrails"
	ActionEscalate            Action = "escalate"
)

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action         Action `json:"action"`
	FixedOutput    string `json:"fixed_output,omitempty"`
	Guardrails     string `json:"guardrails,omitempty"`
	EscalateReason string `json:"escalate_reason,omitempty"`
}

// Policy maps a failure and the remaining budget to a Decision.
type Policy struct {
	logger *logx.Logger
}

func NewPolicy() *Policy {
	return &Policy{logger: logx.NewLogger("recovery")}
}

// Decide picks the next action. Rules apply in order: an exhausted budget escalates,
// repairable malformed output is fixed directly, anything else is re-run with guardrails.
func (p *Policy) Decide(budget *RetryBudget, fc FailureContext) Decision {
	if !budget.CanRetry(fc.Stage) {
		return p.exhausted(budget, fc)
	}

	if fc.FailureType == MalformedOutput {
		if fixed, ok := DirectFix(fc.AgentOutput); ok && fixed != strings.TrimSpace(fc.AgentOutput) {
			p.logger.Info("Direct fix applied to %s output (%d -> %d bytes)", fc.Stage, len(fc.AgentOutput), len(fixed))
			return Decision{Action: ActionDirectFix, FixedOutput: fixed}
		}
	}

	p.logger.Info("Re-running %s with %s guardrails (attempt %d of %d)",
		fc.Stage, fc.FailureType, fc.PreviousAttempts+1, budget.Max())
	return Decision{Action: ActionRerunWithGuardrails, Guardrails: Guardrails(fc)}
}

func (p *Policy) exhausted(budget *RetryBudget, fc FailureContext) Decision {
	reason := fmt.Sprintf("retry budget exhausted for %s after %d attempts: %s",
		fc.Stage, budget.Attempts(fc.Stage), fc.ErrorMessage)
	p.logger.Warn("Escalating %s (%s): %s", fc.Stage, fc.FailureType, reason)
	return Decision{Action: ActionEscalate, EscalateReason: reason}
}
