package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/usage"
)

// RecordUsage appends one model call to the usage ledger.
func (s *Store) RecordUsage(ctx context.Context, sessionID string, r usage.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (session_id, agent, model, tier, input_tokens, output_tokens,
			thinking_tokens, cost_usd, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, r.Agent, r.Model, string(r.Tier), r.Usage.InputTokens, r.Usage.OutputTokens,
		r.Usage.ThinkingTokens, r.CostUSD, r.Duration.Milliseconds(), formatTime(r.At))
	if err != nil {
		return fmt.Errorf("failed to record usage for %s: %w", sessionID, err)
	}
	return nil
}

// UsageRecords returns a session's ledger in call order.
func (s *Store) UsageRecords(ctx context.Context, sessionID string) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, model, tier, input_tokens, output_tokens, thinking_tokens, cost_usd, duration_ms, recorded_at
		FROM usage_records WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []usage.Record
	for rows.Next() {
		var r usage.Record
		var tier, at string
		var durationMS int64
		if err := rows.Scan(&r.Agent, &r.Model, &tier, &r.Usage.InputTokens, &r.Usage.OutputTokens,
			&r.Usage.ThinkingTokens, &r.CostUSD, &durationMS, &at); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Tier = usage.Tier(tier)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.At = parseTime(at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage records: %w", err)
	}
	return out, nil
}

// UsageSummary totals one session's ledger.
type UsageSummary struct {
	SessionID   string  `json:"session_id"`
	Calls       int     `json:"calls"`
	TotalTokens int     `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// UsageSummaries totals every session that has usage, costliest first.
func (s *Store) UsageSummaries(ctx context.Context) ([]UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), SUM(input_tokens + output_tokens + thinking_tokens), SUM(cost_usd)
		FROM usage_records GROUP BY session_id ORDER BY SUM(cost_usd) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.SessionID, &u.Calls, &u.TotalTokens, &u.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
