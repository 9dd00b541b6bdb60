package logx

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer

	logWriterLock.Lock()
	prev := logWriter
	logWriter = &buf
	logWriterLock.Unlock()

	t.Cleanup(func() {
		logWriterLock.Lock()
		logWriter = prev
		logWriterLock.Unlock()
		SetDebugConfig(false)
		SetDebugDomains(nil)
	})
	return &buf
}

func TestLoggerFormat(t *testing.T) {
	buf := setupTestLogger(t)

	NewLogger("flow").Info("session %s created", "abc")

	line := buf.String()
	assert.Contains(t, line, "[flow] INFO: session abc created")
	assert.True(t, strings.HasPrefix(line, "["), "line should start with timestamp: %q", line)
}

func TestSessionLoggerTagsShortID(t *testing.T) {
	buf := setupTestLogger(t)

	NewLogger("flow").Session("0123456789abcdef").Warn("retrying")

	assert.Contains(t, buf.String(), "[flow 01234567] WARN: retrying")

	entries := GetRecentLogEntries("", "0123456789abcdef", time.Time{})
	require.NotEmpty(t, entries)
	assert.Equal(t, "retrying", entries[len(entries)-1].Message)
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := setupTestLogger(t)
	ctx := WithSession(context.Background(), "sess-1")

	Debug(ctx, "flow", "hidden")
	assert.Empty(t, buf.String(), "debug disabled should produce no output")

	SetDebugConfig(true)
	SetDebugDomains([]string{"clarify"})
	Debug(ctx, "flow", "still hidden")
	assert.Empty(t, buf.String())

	Debug(ctx, "clarify", "visible %d", 1)
	assert.Contains(t, buf.String(), "DEBUG: visible 1")
	assert.Contains(t, buf.String(), "[clarify sess-1]")

	SetDebugDomains(nil)
	assert.True(t, IsDebugEnabledForDomain("anything"))
}

func TestSessionFromMissing(t *testing.T) {
	assert.Empty(t, SessionFrom(context.Background()))
	assert.Equal(t, "x", SessionFrom(WithSession(context.Background(), "x")))
}

func TestErrorfAndWrap(t *testing.T) {
	buf := setupTestLogger(t)
	base := errors.New("disk full")

	err := Errorf("save session: %w", base)
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, buf.String(), "ERROR: save session: disk full")

	assert.NoError(t, Wrap(nil, "ignored"))

	wrapped := Wrap(base, "persist")
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "persist: disk full", wrapped.Error())
}

func TestInMemoryBufferBounded(t *testing.T) {
	b := &InMemoryLogBuffer{maxSize: 3}
	for i := 0; i < 5; i++ {
		b.AddLogEntry(&LogEntry{
			Timestamp: time.Now().UTC().Format(timestampFormat),
			Component: "flow",
			Message:   string(rune('a' + i)),
		})
	}
	entries := b.GetLogEntries("", "", time.Time{})
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "e", entries[2].Message)

	assert.Len(t, b.GetLogEntries("FLOW", "", time.Time{}), 3)
	assert.Empty(t, b.GetLogEntries("webui", "", time.Time{}))
	assert.Empty(t, b.GetLogEntries("", "", time.Now().Add(time.Hour)))
}

func TestInitializeLogFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InitializeLogFile(dir, false))
	t.Cleanup(func() { _ = CloseLogFile() })

	NewLogger("webui").Info("listening")
	require.NoError(t, CloseLogFile())

	files, err := filepath.Glob(filepath.Join(dir, "sankosides-*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "[webui] INFO: listening")
}
