package flow

import (
	"context"
	"sync"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/events"
)

// Stream follows a session's progress. The first event is always a snapshot of
// the published state; later events carry a "version" and anything at or below
// the snapshot's version is already reflected in it. The channel closes after a
// terminal event, when ctx ends, when stop is called or when the engine closes.
func (e *Engine) Stream(ctx context.Context, id string) (<-chan events.Event, func(), error) {
	s, err := e.lookup(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	// Subscribe before reading the snapshot so nothing published in between is lost.
	src, unsubscribe := e.broker.Subscribe(id)
	st := s.current()
	view := st.View()

	out := make(chan events.Event, events.DefaultSubscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			unsubscribe()
		})
	}

	out <- events.Event{
		Type:      events.Snapshot,
		SessionID: id,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"version": st.Version,
			"status":  st.Status,
			"state":   view,
		},
	}

	go func() {
		defer close(out)
		defer stop()
		if st.Status.Terminal() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ev, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
				if ev.Type == events.Complete || ev.Type == events.Error {
					return
				}
			}
		}
	}()
	return out, stop, nil
}

// Subscribers reports how many streams follow a session.
func (e *Engine) Subscribers(id string) int {
	return e.broker.Subscribers(id)
}
