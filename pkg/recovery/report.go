package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultReportLimit caps failure report listings when no limit is given.
const DefaultReportLimit = 100

// Attempt records one recovery action taken before escalation.
type Attempt struct {
	Number     int       `json:"number"`
	Action     Action    `json:"action"`
	Guardrails string    `json:"guardrails,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// FailureReport is the durable record written when a stage exhausts its budget.
type FailureReport struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	CreatedAt      time.Time   `json:"created_at"`
	FailingAgent   string      `json:"failing_agent"`
	FailureType    FailureType `json:"failure_type"`
	ErrorMessage   string      `json:"error_message"`
	EscalateReason string      `json:"escalate_reason,omitempty"`
	AgentInput     string      `json:"agent_input,omitempty"`
	AgentOutput    string      `json:"agent_output,omitempty"`
	HelperAttempts []Attempt   `json:"helper_attempts"`
}

// NewFailureReport builds a report with a fresh id.
func NewFailureReport(sessionID string, fc FailureContext, d Decision, attempts []Attempt) *FailureReport {
	return &FailureReport{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		CreatedAt:      time.Now().UTC(),
		FailingAgent:   fc.Stage,
		FailureType:    fc.FailureType,
		ErrorMessage:   fc.ErrorMessage,
		EscalateReason: d.EscalateReason,
		AgentInput:     fc.AgentInput,
		AgentOutput:    fc.AgentOutput,
		HelperAttempts: append([]Attempt(nil), attempts...),
	}
}

// ReportFilter narrows a failure report listing.
type ReportFilter struct {
	Limit        int
	SessionID    string
	FailingAgent string
}

// EffectiveLimit returns the limit, defaulting non-positive values.
func (f ReportFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultReportLimit
	}
	return f.Limit
}

// ReportStore persists failure reports.
type ReportStore interface {
	SaveFailureReport(ctx context.Context, r *FailureReport) error
	ListFailureReports(ctx context.Context, f ReportFilter) ([]FailureReport, error)
}

// MemoryReportStore keeps reports in process. Used when no durable store is configured.
type MemoryReportStore struct {
	mu      sync.Mutex
	reports []FailureReport
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{}
}

func (m *MemoryReportStore) SaveFailureReport(_ context.Context, r *FailureReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, *r)
	return nil
}

// ListFailureReports returns the newest reports first.
func (m *MemoryReportStore) ListFailureReports(_ context.Context, f ReportFilter) ([]FailureReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]FailureReport, 0, len(m.reports))
	for i := len(m.reports) - 1; i >= 0; i-- {
		if f.FailingAgent != "" && m.reports[i].FailingAgent != f.FailingAgent {
			continue
		}
		if f.SessionID != "" && m.reports[i].SessionID != f.SessionID {
			continue
		}
		out = append(out, m.reports[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
