package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/events"
)

func TestNewWriter(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "events")

	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	currentFile := writer.GetCurrentLogFile()
	if currentFile == "" {
		t.Fatal("No current log file set")
	}
	if _, err := os.Stat(currentFile); os.IsNotExist(err) {
		t.Error("Current log file does not exist")
	}
}

func TestWriteAndReadEvents(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	emitter := events.NewEmitter()
	emitter.Register(writer)
	ctx := context.Background()
	emitter.Emit(ctx, "s1", events.StageStart, map[string]any{"stage": "planning"})
	emitter.Emit(ctx, "s2", events.StageStart, nil)
	emitter.Emit(ctx, "s1", events.Complete, nil)

	all, err := ReadEvents(writer.GetCurrentLogFile(), "")
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(all))
	}

	mine, err := ReadEvents(writer.GetCurrentLogFile(), "s1")
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("Expected 2 events for s1, got %d", len(mine))
	}
	if mine[0].Data["stage"] != "planning" {
		t.Errorf("Expected stage planning, got %v", mine[0].Data["stage"])
	}
	if mine[1].Type != events.Complete {
		t.Errorf("Expected complete, got %s", mine[1].Type)
	}
}

func TestDailyRotation(t *testing.T) {
	tmpDir := t.TempDir()
	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	writer.now = func() time.Time { return day }
	if err := writer.WriteEvent(&events.Event{SessionID: "s", Type: events.StageStart}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	day = day.Add(2 * time.Minute)
	if err := writer.WriteEvent(&events.Event{SessionID: "s", Type: events.StageComplete}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if got := filepath.Base(writer.GetCurrentLogFile()); got != "events-2026-03-02.jsonl" {
		t.Errorf("Expected rotated file, got %s", got)
	}
	files, err := ListLogFiles(tmpDir)
	if err != nil {
		t.Fatalf("Failed to list files: %v", err)
	}
	// today's file from NewWriter plus the two simulated days
	if len(files) < 2 {
		t.Errorf("Expected at least 2 log files, got %d", len(files))
	}
}

func TestReadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events-2026-01-01.jsonl")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	evs, err := ReadEvents(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evs) != 0 {
		t.Errorf("Expected no events, got %d", len(evs))
	}
}

func TestReadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events-2026-01-01.jsonl")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadEvents(path, ""); err == nil {
		t.Error("Expected parse error")
	}
}

func TestWriterClose(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if writer.GetCurrentLogFile() != "" {
		t.Error("Expected no current file after close")
	}
	if err := writer.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}
}

func TestConcurrentWrites(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := writer.WriteEvent(&events.Event{SessionID: "s", Type: events.SlideProgress}); err != nil {
				t.Errorf("write failed: %v", err)
			}
		}()
	}
	wg.Wait()

	evs, err := ReadEvents(writer.GetCurrentLogFile(), "s")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(evs) != 25 {
		t.Errorf("Expected 25 events, got %d", len(evs))
	}
}
