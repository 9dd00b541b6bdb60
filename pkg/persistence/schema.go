package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// If database is empty (version 0), create fresh schema
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}

		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the usage ledger and the failure report link on sessions.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE sessions ADD COLUMN failure_report_id TEXT NOT NULL DEFAULT ''",
		usageRecordsTable,
		"CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id)",
	}
	return execAll(db, migrations)
}

//nolint:gochecknoglobals // DDL shared by createSchema and migrations
var (
	sessionsTableV1 = `CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		current_stage TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`

	failureReportsTable = `CREATE TABLE IF NOT EXISTS failure_reports (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		failing_agent TEXT NOT NULL,
		failure_type TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		escalate_reason TEXT NOT NULL DEFAULT '',
		agent_input TEXT NOT NULL DEFAULT '',
		agent_output TEXT NOT NULL DEFAULT '',
		attempts_json TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	)`

	usageRecordsTable = `CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		model TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		thinking_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	)`
)

// createSchema creates all required tables and indices at the current version.
func createSchema(db *sql.DB) error {
	tables := []string{
		sessionsTableV1,
		"ALTER TABLE sessions ADD COLUMN failure_report_id TEXT NOT NULL DEFAULT ''",
		failureReportsTable,
		usageRecordsTable,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)",
		"CREATE INDEX IF NOT EXISTS idx_failure_reports_session ON failure_reports(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_failure_reports_agent ON failure_reports(failing_agent)",
		"CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id)",
	}

	if err := execAll(db, tables); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	if err := execAll(db, indices); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// createSchemaV1 builds the first released schema. Kept so migrations stay testable.
func createSchemaV1(db *sql.DB) error {
	if err := execAll(db, []string{sessionsTableV1, failureReportsTable}); err != nil {
		return err
	}
	return setSchemaVersion(db, 1)
}

func execAll(db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	// First ensure the schema_version table exists
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No version set yet
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
