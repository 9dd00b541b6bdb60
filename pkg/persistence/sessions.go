package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSessionNotFound is returned when a requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStaleVersion is returned when a save carries an older version than the stored row.
	ErrStaleVersion = errors.New("stale session version")
)

// SessionRecord is the persisted form of one flow session. StateJSON holds the
// full session state; the other columns are denormalized for listing and resume.
type SessionRecord struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	CurrentStage    string    `json:"current_stage"`
	Version         int64     `json:"version"`
	FailureReportID string    `json:"failure_report_id,omitempty"`
	StateJSON       []byte    `json:"state_json"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SessionFilter narrows ListSessions. Zero fields match everything.
type SessionFilter struct {
	Statuses      []string
	UpdatedBefore time.Time
	Limit         int
}

// SessionStore is implemented by every session backend.
type SessionStore interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveSession upserts a session. A record whose version is lower than the stored
// one is rejected with ErrStaleVersion so a late checkpoint never overwrites newer state.
func (s *Store) SaveSession(ctx context.Context, rec *SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, status, current_stage, version, failure_report_id, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			current_stage = excluded.current_stage,
			version = excluded.version,
			failure_report_id = excluded.failure_report_id,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
		WHERE excluded.version >= sessions.version
	`, rec.SessionID, rec.Status, rec.CurrentStage, rec.Version, rec.FailureReportID,
		string(rec.StateJSON), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.SessionID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: session %s version %d", ErrStaleVersion, rec.SessionID, rec.Version)
	}
	return nil
}

const sessionColumns = `session_id, status, current_stage, version, failure_report_id, state_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var state, createdAt, updatedAt string
	err := row.Scan(&rec.SessionID, &rec.Status, &rec.CurrentStage, &rec.Version,
		&rec.FailureReportID, &state, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	rec.StateJSON = []byte(state)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// GetSession loads one session. Returns ErrSessionNotFound if it does not exist.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListSessions returns matching sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]SessionRecord, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(f.Statuses)-1)+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(f.UpdatedBefore))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and its usage records. Failure reports are kept.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return ErrSessionNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_records WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete usage records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
