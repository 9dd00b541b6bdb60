// Package persistence provides SQLite-based storage for flow sessions, failure
// reports and per-call usage records.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Kevin-nav/sankosides/pkg/logx"
)

// MemoryPath opens a private in-memory database. Used by tests and ephemeral runs.
const MemoryPath = ":memory:"

// Store is the SQLite-backed store. It is safe for concurrent use; SQLite
// serializes writers, so the pool holds a single connection.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens or creates the database at dbPath and brings the schema to the
// current version.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	if dbPath == MemoryPath {
		dsn = MemoryPath
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer). With :memory: this
	// also keeps every query on the same database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db, logger: logx.NewLogger("persistence")}
	s.logger.Info("📦 Database initialized: %s", dbPath)
	return s, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
