package flow

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/persistence"
	"github.com/Kevin-nav/sankosides/pkg/recovery"
	"github.com/Kevin-nav/sankosides/pkg/slides"
	"github.com/Kevin-nav/sankosides/pkg/stages"
	"github.com/Kevin-nav/sankosides/pkg/state"
)

func TestGenerationCompletes(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	id := outlined(t, e, 5)

	_, err := e.ApproveOutline(ctx, id, nil)
	require.NoError(t, err)
	started, err := e.StartGeneration(ctx, id)
	require.NoError(t, err)
	assert.True(t, started)

	view := waitTerminal(t, e, id)
	require.Equal(t, StatusCompleted, view.Status, view.ErrorMessage)
	assert.Equal(t, 5, view.SlidesCompleted)
	assert.Equal(t, 5, view.TotalSlides)
	assert.Equal(t, 1, view.QALoops)
	require.NotNil(t, view.FinalQAScore)
	assert.GreaterOrEqual(t, *view.FinalQAScore, slides.DefaultQAThreshold)

	pres, err := e.Result(ctx, id)
	require.NoError(t, err)
	require.Len(t, pres.Slides, 5)
	for i, s := range pres.Slides {
		assert.Equal(t, i+1, s.Order)
	}
	assert.Contains(t, pres.HTML, "<html")
	assert.False(t, pres.GeneratedAt.IsZero())

	st, err := e.State(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, st.PlannedContent)
	assert.NotNil(t, st.RefinedContent)
	assert.Equal(t, 1, st.QAReport.Iteration)
}

// crowded returns a description the heuristic grader always marks down.
func crowded() string {
	long := strings.TrimSpace(strings.Repeat("a deliberately wordy bullet point ", 5))
	parts := make([]string, 9)
	for i := range parts {
		parts[i] = long
	}
	return strings.Join(parts, ". ")
}

func TestQALoopStopsAtCap(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	id := outlined(t, e, 3)

	desc := crowded()
	content := slides.ContentContent
	var mods []slides.Modification
	for _, order := range []int{1, 2, 3} {
		o := order
		mods = append(mods, slides.Modification{Action: slides.ActionModify, Order: &o, Description: &desc, ContentType: &content})
	}
	_, err := e.ApproveOutline(ctx, id, mods)
	require.NoError(t, err)
	_, err = e.StartGeneration(ctx, id)
	require.NoError(t, err)

	view := waitTerminal(t, e, id)
	require.Equal(t, StatusCompleted, view.Status, "hitting the loop cap still completes")
	assert.Equal(t, 2, view.QALoops)
	require.NotNil(t, view.FinalQAScore)
	assert.Less(t, *view.FinalQAScore, slides.DefaultQAThreshold)

	st, err := e.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, st.QAReport.Iteration)
	assert.Len(t, st.QAReport.Failing(), 3)
	assert.Equal(t, 3, st.SlidesCompleted)
}

const threeSlideOutline = `{"title":"Quantum Computing","slides":[
	{"title":"Quantum Computing","content_type":"title"},
	{"title":"Qubits","description":"Superposition and measurement","content_type":"content"},
	{"title":"Conclusion","content_type":"conclusion"}]}`

func TestBackgroundEscalationKeepsPartialResults(t *testing.T) {
	e := newTestEngine(t, modelPipeline(t, garbage, threeSlideOutline))
	ctx := context.Background()
	id := outlined(t, e, 3)

	_, err := e.ApproveOutline(ctx, id, nil)
	require.NoError(t, err)
	_, err = e.StartGeneration(ctx, id)
	require.NoError(t, err)

	view := waitTerminal(t, e, id)
	require.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, stages.Planner, view.CurrentStage)
	assert.NotEmpty(t, view.FailureReportID)
	require.NotNil(t, view.Partial)
	require.NotNil(t, view.Partial.Skeleton)
	assert.Len(t, view.Partial.Skeleton.Slides, 3)
	assert.Nil(t, view.Partial.PlannedContent)

	reports, err := e.FailureReports(ctx, recovery.ReportFilter{FailingAgent: stages.Planner})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, view.FailureReportID, reports[0].ID)
	assert.Equal(t, id, reports[0].SessionID)
}

const threeSlidePlan = `{"title":"Quantum Computing","slides":[
	{"order":1,"title":"Quantum Computing","content_type":"title"},
	{"order":2,"title":"Qubits","content_type":"content","bullet_points":["A qubit holds a superposition"],"equations":["the Bloch sphere state"]},
	{"order":3,"title":"Conclusion","content_type":"conclusion","bullet_points":["Qubits scale differently"]}]}`

func TestRefinerEscalatesAfterBudget(t *testing.T) {
	var refinerCalls atomic.Int32
	respond := func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "renderable source") {
				refinerCalls.Add(1)
				return llm.CompletionResponse{}, recovery.NewStageError(stages.Refiner, recovery.QALoopExceeded, "",
					errors.New("rendered equation keeps failing review"))
			}
		}
		return garbage(context.Background(), req)
	}

	cfg := testConfig()
	cfg.MaxRetryAttempts = 2
	e, err := New(modelPipeline(t, respond, threeSlideOutline, threeSlidePlan), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Close(ctx))
	})

	ctx := context.Background()
	id := outlined(t, e, 3)
	_, err = e.ApproveOutline(ctx, id, nil)
	require.NoError(t, err)
	_, err = e.StartGeneration(ctx, id)
	require.NoError(t, err)

	view := waitTerminal(t, e, id)
	require.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, stages.Refiner, view.CurrentStage)
	assert.Equal(t, int32(3), refinerCalls.Load(), "one call plus two retries")

	reports, err := e.FailureReports(ctx, recovery.ReportFilter{FailingAgent: stages.Refiner})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	report := reports[0]
	assert.Equal(t, recovery.QALoopExceeded, report.FailureType)
	assert.Len(t, report.HelperAttempts, 2)
	assert.Equal(t, view.FailureReportID, report.ID)
	assert.Contains(t, view.ErrorMessage, "refiner failed after 2 recovery attempts")

	require.NotNil(t, view.Partial)
	require.NotNil(t, view.Partial.PlannedContent)
	assert.Len(t, view.Partial.PlannedContent.Slides, 3)
	assert.Nil(t, view.Partial.RefinedContent)
	assert.Nil(t, view.Partial.GeneratedPresentation)
}

func TestResumeRestartsInterruptedGeneration(t *testing.T) {
	ctx := context.Background()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)

	first := newTestEngine(t, nil, WithStore(store))
	id := outlined(t, first, 4)
	_, err = first.ApproveOutline(ctx, id, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	// Simulate a process that died right after generation started.
	rec, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	st, err := UnmarshalState(rec.StateJSON)
	require.NoError(t, err)
	st.Status = StatusGenerating
	st.Version++
	data, err := st.Marshal()
	require.NoError(t, err)
	rec.StateJSON, rec.Status, rec.Version = data, string(st.Status), st.Version
	require.NoError(t, store.SaveSession(ctx, rec))

	second := newTestEngine(t, nil, WithStore(store))
	n, err := second.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view := waitTerminal(t, second, id)
	assert.Equal(t, StatusCompleted, view.Status, view.ErrorMessage)
	assert.Equal(t, 4, view.SlidesCompleted)

	saved, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), saved.Status)
	assert.Equal(t, view.Version, saved.Version)
}

func TestResumeSkipsTerminalSessions(t *testing.T) {
	ctx := context.Background()
	db, err := persistence.Open(persistence.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	first := newTestEngine(t, modelPipeline(t, garbage), WithStore(db))
	id, _, err := first.QuickStart(ctx, testForm(3))
	require.NoError(t, err)
	_, err = first.GenerateOutline(ctx, id)
	require.Error(t, err)
	require.NoError(t, first.Close(ctx))

	second := newTestEngine(t, nil, WithStore(db))
	n, err := second.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	reports, err := second.FailureReports(ctx, recovery.ReportFilter{FailingAgent: stages.Outliner})
	require.NoError(t, err)
	assert.Len(t, reports, 1, "reports live in the shared database")
}

// rejectingStore fails every save of the listed statuses.
type rejectingStore struct {
	persistence.SessionStore
	reject map[string]bool
}

func (r *rejectingStore) SaveSession(ctx context.Context, rec *persistence.SessionRecord) error {
	if r.reject[rec.Status] {
		return errors.New("disk full")
	}
	return r.SessionStore.SaveSession(ctx, rec)
}

// waitIdle waits for the background pipeline of id to exit.
func waitIdle(t *testing.T, e *Engine, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		s, ok := e.sessions[id]
		e.mu.Unlock()
		return ok && !s.running.Load()
	}, 10*time.Second, 5*time.Millisecond)
}

func TestUnsavedCompletionIsNeverPublished(t *testing.T) {
	ctx := context.Background()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	e := newTestEngine(t, nil, WithStore(&rejectingStore{
		SessionStore: store,
		reject:       map[string]bool{string(StatusCompleted): true},
	}))

	id := outlined(t, e, 3)
	_, err = e.ApproveOutline(ctx, id, nil)
	require.NoError(t, err)
	_, err = e.StartGeneration(ctx, id)
	require.NoError(t, err)

	view := waitTerminal(t, e, id)
	require.Equal(t, StatusFailed, view.Status)
	assert.Contains(t, view.ErrorMessage, "infrastructure failure")
	assert.Empty(t, view.FailureReportID)

	saved, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), saved.Status)
	assert.Equal(t, view.Version, saved.Version)

	_, err = e.Result(ctx, id)
	assert.Error(t, err)
}

func TestUnsavedTerminalStateKeepsLastDurableStatus(t *testing.T) {
	ctx := context.Background()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	first := newTestEngine(t, nil, WithStore(&rejectingStore{
		SessionStore: store,
		reject: map[string]bool{
			string(StatusCompleted): true,
			string(StatusFailed):    true,
		},
	}))

	id := outlined(t, first, 3)
	_, err = first.ApproveOutline(ctx, id, nil)
	require.NoError(t, err)
	_, err = first.StartGeneration(ctx, id)
	require.NoError(t, err)
	waitIdle(t, first, id)

	view, err := first.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQAInProgress, view.Status)
	saved, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(StatusQAInProgress), saved.Status)
	require.NoError(t, first.Close(ctx))

	// The next process picks the session up from its last durable status.
	second := newTestEngine(t, nil, WithStore(store))
	n, err := second.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := waitTerminal(t, second, id)
	assert.Equal(t, StatusCompleted, done.Status, done.ErrorMessage)
	saved, err = store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), saved.Status)
}
