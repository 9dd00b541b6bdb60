package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/events"
)

func drain(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(out))
		}
	}
}

func TestStreamStartsWithSnapshot(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	id := outlined(t, e, 3)
	_, err := e.ApproveOutline(ctx, id, nil)
	require.NoError(t, err)

	ch, stop, err := e.Stream(ctx, id)
	require.NoError(t, err)
	defer stop()

	_, err = e.StartGeneration(ctx, id)
	require.NoError(t, err)

	got := drain(t, ch)
	require.NotEmpty(t, got)
	assert.Equal(t, events.Snapshot, got[0].Type)
	assert.Equal(t, StatusOutlineApproved, got[0].Data["status"])
	snapshotVersion := got[0].Data["version"].(int64)

	last := got[len(got)-1]
	assert.Equal(t, events.Complete, last.Type)

	var progress int
	prev := snapshotVersion
	for _, ev := range got[1:] {
		v := ev.Data["version"].(int64)
		assert.Greater(t, v, prev, "%s arrived out of order", ev.Type)
		prev = v
		if ev.Type == events.SlideProgress {
			progress++
			assert.LessOrEqual(t, ev.Data["slides_completed"].(int), ev.Data["total_slides"].(int))
		}
	}
	assert.Equal(t, 6, progress, "refine and generate each report every slide")
}

func TestStreamOnFinishedSessionClosesAfterSnapshot(t *testing.T) {
	e := newTestEngine(t, modelPipeline(t, garbage))
	ctx := context.Background()
	id, _, err := e.QuickStart(ctx, testForm(3))
	require.NoError(t, err)
	_, _ = e.GenerateOutline(ctx, id)

	ch, stop, err := e.Stream(ctx, id)
	require.NoError(t, err)
	defer stop()

	got := drain(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, events.Snapshot, got[0].Type)
	assert.Equal(t, StatusFailed, got[0].Data["status"])
	assert.Zero(t, e.Subscribers(id))
}

func TestStreamStopUnsubscribes(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	id, err := e.CreateSession(ctx)
	require.NoError(t, err)

	ch, stop, err := e.Stream(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Subscribers(id))

	cancel()
	got := drain(t, ch)
	assert.Len(t, got, 1)
	stop()
	assert.Zero(t, e.Subscribers(id))

	_, _, err = e.Stream(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
