// Package state provides a file-backed session store. Each session lives in
// SESSION_<id>.json under the base directory, written atomically via rename.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/persistence"
)

const (
	filePrefix = "SESSION_"
	fileSuffix = ".json"
)

var _ persistence.SessionStore = (*Store)(nil)

// Store manages session files under a base directory.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// NewStore creates a new state store with the given base directory.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// SaveSession writes the record. Older versions than the one on disk are
// rejected with persistence.ErrStaleVersion.
func (s *Store) SaveSession(_ context.Context, rec *persistence.SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(rec.SessionID)
	switch {
	case err == nil:
		if rec.Version < existing.Version {
			return fmt.Errorf("%w: session %s version %d", persistence.ErrStaleVersion, rec.SessionID, rec.Version)
		}
		rec.CreatedAt = existing.CreatedAt
	case errors.Is(err, persistence.ErrSessionNotFound):
	default:
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", rec.SessionID, err)
	}
	return writeAtomic(s.filename(rec.SessionID), data)
}

// GetSession loads one session file.
func (s *Store) GetSession(_ context.Context, sessionID string) (*persistence.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(sessionID)
}

// ListSessions scans the directory. Unreadable files are skipped.
func (s *Store) ListSessions(_ context.Context, f persistence.SessionFilter) ([]persistence.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}
	var out []persistence.SessionRecord
	for _, entry := range entries {
		id, ok := sessionIDFromName(entry.Name())
		if entry.IsDir() || !ok {
			continue
		}
		rec, err := s.read(id)
		if err != nil {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.Status) {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !rec.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteSession removes the session file.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.filename(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return persistence.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete session file %s: %w", sessionID, err)
	}
	return nil
}

// Close is a no-op; files are closed after every write.
func (s *Store) Close() error { return nil }

func (s *Store) read(sessionID string) (*persistence.SessionRecord, error) {
	data, err := os.ReadFile(s.filename(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file %s: %w", sessionID, err)
	}
	var rec persistence.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", sessionID, err)
	}
	return &rec, nil
}

func (s *Store) filename(sessionID string) string {
	return filepath.Join(s.baseDir, filePrefix+sessionID+fileSuffix)
}

func sessionIDFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	return id, id != ""
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}
