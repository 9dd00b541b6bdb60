// Package events publishes flow progress to in-process listeners.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/logx"
)

// Type identifies a progress event.
type Type string

const (
	StageStart    Type = "stage_start"
	StageComplete Type = "stage_complete"
	SlideProgress Type = "slide_progress"
	Pause         Type = "pause"
	Error         Type = "error"
	Complete      Type = "complete"
	// Snapshot is only produced by stream subscribers as the first frame.
	Snapshot Type = "snapshot"
)

// Event is a single progress notification for one session.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
	Data      map[string]any `json:"data,omitempty"`
}

// Listener receives events. Returned errors are logged and ignored.
type Listener interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event) error

func (f ListenerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Emitter delivers events synchronously to its listeners in registration order.
// Emit returns once every listener has returned, and deliveries never interleave,
// so all listeners observe the same total order.
type Emitter struct {
	mu        sync.RWMutex
	listeners []Listener

	emitMu sync.Mutex
	seq    uint64

	logger *logx.Logger
	now    func() time.Time
}

func NewEmitter() *Emitter {
	return &Emitter{logger: logx.NewLogger("events"), now: time.Now}
}

// Register appends a listener.
func (e *Emitter) Register(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Emit builds an event and delivers it. It never fails.
func (e *Emitter) Emit(ctx context.Context, sessionID string, typ Type, data map[string]any) Event {
	e.mu.RLock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.RUnlock()

	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.seq++
	ev := Event{Type: typ, SessionID: sessionID, Timestamp: e.now().UTC(), Seq: e.seq, Data: data}
	for i, l := range listeners {
		if err := e.deliver(ctx, l, ev); err != nil {
			e.logger.Session(sessionID).Warn("Listener %d failed on %s: %v", i, typ, err)
		}
	}
	return ev
}

func (e *Emitter) deliver(ctx context.Context, l Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.HandleEvent(ctx, ev)
}
