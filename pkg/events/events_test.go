package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterOrderAndIsolation(t *testing.T) {
	e := NewEmitter()
	var got []string

	e.Register(ListenerFunc(func(_ context.Context, ev Event) error {
		got = append(got, "first:"+string(ev.Type))
		return nil
	}))
	e.Register(ListenerFunc(func(context.Context, Event) error {
		return errors.New("boom")
	}))
	e.Register(ListenerFunc(func(context.Context, Event) error {
		panic("listener blew up")
	}))
	e.Register(ListenerFunc(func(_ context.Context, ev Event) error {
		got = append(got, "last:"+string(ev.Type))
		return nil
	}))

	ev := e.Emit(context.Background(), "s1", StageStart, map[string]any{"stage": "planning"})
	e.Emit(context.Background(), "s1", StageComplete, nil)

	assert.Equal(t, []string{"first:stage_start", "last:stage_start", "first:stage_complete", "last:stage_complete"}, got)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEmitterSequenceIsTotal(t *testing.T) {
	e := NewEmitter()
	var mu sync.Mutex
	var seqs []uint64
	e.Register(ListenerFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		seqs = append(seqs, ev.Seq)
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(context.Background(), "s1", SlideProgress, nil)
		}()
	}
	wg.Wait()

	require.Len(t, seqs, 20)
	for i := range seqs {
		assert.Equal(t, uint64(i+1), seqs[i], "listener must observe emission order")
	}
}

func TestBrokerFansOutPerSession(t *testing.T) {
	b := NewBroker(4)
	e := NewEmitter()
	e.Register(b)

	a1, cancelA1 := b.Subscribe("a")
	a2, cancelA2 := b.Subscribe("a")
	other, cancelOther := b.Subscribe("b")
	defer cancelA1()
	defer cancelA2()
	defer cancelOther()

	e.Emit(context.Background(), "a", Pause, nil)

	assert.Equal(t, Pause, (<-a1).Type)
	assert.Equal(t, Pause, (<-a2).Type)
	select {
	case ev := <-other:
		t.Fatalf("unexpected event for other session: %+v", ev)
	default:
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker(1)
	ch, cancel := b.Subscribe("s")
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.HandleEvent(context.Background(), Event{SessionID: "s", Type: SlideProgress}))
	}
	assert.Equal(t, uint64(2), b.Dropped())
	assert.Len(t, ch, 1)
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(1)
	ch, cancel := b.Subscribe("s")
	assert.Equal(t, 1, b.Subscribers("s"))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers("s"))

	b.Close()
	late, _ := b.Subscribe("s")
	_, open = <-late
	assert.False(t, open)
}
