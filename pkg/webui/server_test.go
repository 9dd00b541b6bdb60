package webui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/flow"
	"github.com/Kevin-nav/sankosides/pkg/slides"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *flow.Engine) {
	t.Helper()
	e, err := flow.New(nil, flow.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Close(ctx))
	})
	return NewServer(e, t.TempDir(), opts...), e
}

// do sends a request through the full mux and decodes a JSON response into out when non-nil.
func do(t *testing.T, s *Server, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w
}

const quickStartBody = `{"title":"Quantum Computing","target_audience":"Graduate students",
	"target_slides":4,"key_topics":["Qubits","Gates","Error correction"]}`

func quickStart(t *testing.T, s *Server) string {
	t.Helper()
	var resp struct {
		SessionID string           `json:"session_id"`
		OrderForm slides.OrderForm `json:"order_form"`
	}
	w := do(t, s, http.MethodPost, "/api/generation/quick-start", quickStartBody, &resp)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NotEmpty(t, resp.SessionID)
	assert.True(t, resp.OrderForm.IsComplete)
	return resp.SessionID
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	var body map[string]any
	w := do(t, s, http.MethodGet, "/api/healthz", "", &body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStartWithFirstMessage(t *testing.T) {
	s, _ := newTestServer(t)

	var resp startResponse
	w := do(t, s, http.MethodPost, "/api/generation/start", `{"message":"hello"}`, &resp)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, flow.StatusAwaitingClarification, resp.Status)
	require.NotNil(t, resp.Clarify)
	assert.NotEmpty(t, resp.Clarify.Question)

	// Not enough gathered yet.
	var errBody errorResponse
	w = do(t, s, http.MethodPost, "/api/generation/confirm/"+resp.SessionID, "", &errBody)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NotEmpty(t, errBody.Error)
}

func TestStartWithoutBody(t *testing.T) {
	s, _ := newTestServer(t)
	var resp startResponse
	w := do(t, s, http.MethodPost, "/api/generation/start", "", &resp)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Nil(t, resp.Clarify)

	w = do(t, s, http.MethodPost, "/api/generation/clarify/"+resp.SessionID, `{"message":"  "}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClarifyAndConfirm(t *testing.T) {
	s, _ := newTestServer(t)
	var start startResponse
	do(t, s, http.MethodPost, "/api/generation/start", "", &start)

	var res flow.ClarifyResult
	w := do(t, s, http.MethodPost, "/api/generation/clarify/"+start.SessionID,
		`{"message":"a presentation about renewable energy for 12 university students in 10 slides, focus on solar and wind"}`, &res)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, res.GatheredInfo.IsCompleteEnough())

	var confirmed struct {
		Status    flow.Status      `json:"status"`
		OrderForm slides.OrderForm `json:"order_form"`
	}
	w = do(t, s, http.MethodPost, "/api/generation/confirm/"+start.SessionID, "", &confirmed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, flow.StatusClarificationComplete, confirmed.Status)
	assert.Equal(t, 10, confirmed.OrderForm.TargetSlides)
}

func TestQuickStartRejectsIncompleteForm(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/generation/quick-start", `{"target_slides":5}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/generation/quick-start", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownSessionIs404(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{
		"/api/generation/status/nope",
		"/api/generation/result/nope",
		"/api/generation/metrics/nope",
		"/api/generation/stream/nope",
	} {
		w := do(t, s, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := do(t, s, http.MethodPost, "/api/generation/outline/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWrongMethod(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/generation/start", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestOutOfOrderCallsConflict(t *testing.T) {
	s, _ := newTestServer(t)
	id := quickStart(t, s)

	w := do(t, s, http.MethodPost, "/api/generation/generate/"+id, "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	var body errorResponse
	w = do(t, s, http.MethodGet, "/api/generation/result/"+id, "", &body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, body.FailureReportID)
}

func TestFullGenerationOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	id := quickStart(t, s)

	var outline struct {
		Status   flow.Status     `json:"status"`
		Skeleton slides.Skeleton `json:"skeleton"`
	}
	w := do(t, s, http.MethodPost, "/api/generation/outline/"+id, "", &outline)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, flow.StatusAwaitingOutlineApproval, outline.Status)
	require.Len(t, outline.Skeleton.Slides, 4)

	w = do(t, s, http.MethodPost, "/api/generation/approve-outline/"+id,
		`{"modifications":[{"action":"remove","order":2}]}`, &outline)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, outline.Skeleton.Slides, 3)

	w = do(t, s, http.MethodPost, "/api/generation/approve-outline/"+id, "", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "already approved")

	w = do(t, s, http.MethodPost, "/api/generation/generate/"+id, "", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var view flow.StatusView
	require.Eventually(t, func() bool {
		do(t, s, http.MethodGet, "/api/generation/status/"+id, "", &view)
		return view.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, flow.StatusCompleted, view.Status)
	assert.Equal(t, 3, view.SlidesCompleted)

	var pres slides.GeneratedPresentation
	w = do(t, s, http.MethodGet, "/api/generation/result/"+id, "", &pres)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, pres.Slides, 3)
	assert.Contains(t, pres.HTML, "<html")

	var metrics map[string]any
	w = do(t, s, http.MethodGet, "/api/generation/metrics/"+id, "", &metrics)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, metrics["session_id"])
}

func TestApproveOutlineRejectsBadModifications(t *testing.T) {
	s, _ := newTestServer(t)
	id := quickStart(t, s)
	do(t, s, http.MethodPost, "/api/generation/outline/"+id, "", nil)

	w := do(t, s, http.MethodPost, "/api/generation/approve-outline/"+id,
		`{"modifications":[{"action":"explode"}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// sseEvents reads event names from a text/event-stream body until it closes.
func sseEvents(t *testing.T, body io.Reader) []string {
	t.Helper()
	var names []string
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	require.NoError(t, sc.Err())
	return names
}

func TestStreamEndsAfterCompletion(t *testing.T) {
	s, e := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx := context.Background()
	form := slides.NewOrderForm()
	form.Title = "Stream"
	form.TargetAudience = "Engineers"
	form.TargetSlides = 3
	form.KeyTopics = []string{"A", "B", "C"}
	id, _, err := e.QuickStart(ctx, form)
	require.NoError(t, err)
	_, err = e.GenerateOutline(ctx, id)
	require.NoError(t, err)
	_, err = e.ApproveOutline(ctx, id, nil)
	require.NoError(t, err)
	_, err = e.StartGeneration(ctx, id)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/generation/stream/" + id)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	names := sseEvents(t, resp.Body)
	require.NotEmpty(t, names)
	assert.Equal(t, "snapshot", names[0])
	if len(names) > 1 {
		assert.Equal(t, "complete", names[len(names)-1])
	}

	view, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, view.Status)
}

func TestSynthesizeValidatesUploads(t *testing.T) {
	s, e := newTestServer(t)
	id, err := e.CreateSession(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("plain text"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/generation/synthesize/"+id, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A PDF reaches the engine, which has no model configured.
	buf.Reset()
	mw = multipart.NewWriter(&buf)
	part, err = mw.CreateFormFile("files", "paper.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, mw.Close())

	req = httptest.NewRequest(http.MethodPost, "/api/generation/synthesize/"+id, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodPost, "/api/generation/synthesize/"+id, `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "not multipart")
}

func TestFailuresAndResetBudget(t *testing.T) {
	s, _ := newTestServer(t)
	id := quickStart(t, s)

	var list struct {
		Count int `json:"count"`
	}
	w := do(t, s, http.MethodGet, "/api/generation/failures?limit=5&agent=planner", "", &list)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, list.Count)

	w = do(t, s, http.MethodGet, "/api/generation/failures?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/generation/reset-budget/"+id, `{"stage":"planner"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodPost, "/api/generation/reset-budget/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	quickStart(t, s)

	var logs []map[string]any
	w := do(t, s, http.MethodGet, "/api/logs?domain=flow", "", &logs)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/logs?since=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrometheusExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_requests_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s, _ := newTestServer(t, WithGatherer(reg))
	w := do(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_requests_total 1")
}

func TestBasicAuth(t *testing.T) {
	s, _ := newTestServer(t, WithPassword("hunter2"))

	w := do(t, s, http.MethodGet, "/api/generation/failures", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/api/generation/failures", nil)
	req.SetBasicAuth(authUser, "wrong")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/generation/failures", nil)
	req.SetBasicAuth(authUser, "hunter2")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open for probes.
	w = do(t, s, http.MethodGet, "/api/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
