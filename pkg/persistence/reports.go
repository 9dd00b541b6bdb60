package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/recovery"
)

var _ recovery.ReportStore = (*Store)(nil)

// SaveFailureReport inserts a failure report. Reports are immutable.
func (s *Store) SaveFailureReport(ctx context.Context, r *recovery.FailureReport) error {
	attempts, err := json.Marshal(r.HelperAttempts)
	if err != nil {
		return fmt.Errorf("failed to marshal attempts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failure_reports (id, session_id, failing_agent, failure_type, error_message,
			escalate_reason, agent_input, agent_output, attempts_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.SessionID, r.FailingAgent, string(r.FailureType), r.ErrorMessage,
		r.EscalateReason, r.AgentInput, r.AgentOutput, string(attempts), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save failure report %s: %w", r.ID, err)
	}
	return nil
}

// ListFailureReports returns matching reports, newest first.
func (s *Store) ListFailureReports(ctx context.Context, f recovery.ReportFilter) ([]recovery.FailureReport, error) {
	var where []string
	var args []any
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.FailingAgent != "" {
		where = append(where, "failing_agent = ?")
		args = append(args, f.FailingAgent)
	}

	query := `SELECT id, session_id, failing_agent, failure_type, error_message, escalate_reason,
		agent_input, agent_output, attempts_json, created_at FROM failure_reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, f.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failure reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []recovery.FailureReport
	for rows.Next() {
		var r recovery.FailureReport
		var failureType, attempts, createdAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.FailingAgent, &failureType, &r.ErrorMessage,
			&r.EscalateReason, &r.AgentInput, &r.AgentOutput, &attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure report: %w", err)
		}
		r.FailureType = recovery.FailureType(failureType)
		r.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(attempts), &r.HelperAttempts); err != nil {
			s.logger.Warn("Failure report %s has unreadable attempts: %v", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failure reports: %w", err)
	}
	return out, nil
}
