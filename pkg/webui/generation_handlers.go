package webui

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/flow"
	"github.com/Kevin-nav/sankosides/pkg/recovery"
	"github.com/Kevin-nav/sankosides/pkg/slides"
	"github.com/Kevin-nav/sankosides/pkg/stages"
)

const pdfMIME = "application/pdf"

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid JSON: %v", flow.ErrInvalidInput, err)
}

type messageRequest struct {
	Message string `json:"message"`
}

type startResponse struct {
	SessionID string              `json:"session_id"`
	Status    flow.Status         `json:"status"`
	Clarify   *flow.ClarifyResult `json:"clarification,omitempty"`
}

// handleStart implements POST /api/generation/start. An optional message is
// processed as the first clarification turn.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.engine.CreateSession(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := startResponse{SessionID: id, Status: flow.StatusAwaitingClarification}

	if strings.TrimSpace(req.Message) != "" {
		res, err := s.engine.SubmitClarification(r.Context(), id, req.Message)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Clarify = res
		if view, err := s.engine.Status(r.Context(), id); err == nil {
			resp.Status = view.Status
		}
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

// handleQuickStart implements POST /api/generation/quick-start with an order form body.
func (s *Server) handleQuickStart(w http.ResponseWriter, r *http.Request) {
	form := slides.NewOrderForm()
	if err := decodeBody(r, &form); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, normalized, err := s.engine.QuickStart(r.Context(), form)
	if errors.Is(err, flow.ErrOrderFormIncomplete) {
		s.writeError(w, r, fmt.Errorf("%w: %v", flow.ErrInvalidInput, err))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": id,
		"status":     flow.StatusClarificationComplete,
		"order_form": normalized,
	})
}

// handleClarify implements POST /api/generation/clarify/{id}.
func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.SubmitClarification(r.Context(), r.PathValue("id"), req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleConfirm implements POST /api/generation/confirm/{id}.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	form, err := s.engine.ConfirmClarification(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     flow.StatusClarificationComplete,
		"order_form": form,
	})
}

// handleSynthesize implements POST /api/generation/synthesize/{id}. PDFs are
// uploaded as multipart parts named "files".
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: multipart form: %v", flow.ErrInvalidInput, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	docs := make([]stages.Document, 0, len(r.MultipartForm.File["files"]))
	for _, fh := range r.MultipartForm.File["files"] {
		doc, err := readPDF(fh)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		docs = append(docs, doc)
	}

	kb, err := s.engine.SynthesizeDocuments(r.Context(), r.PathValue("id"), docs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"documents":      len(docs),
		"knowledge_base": kb,
	})
}

func readPDF(fh *multipart.FileHeader) (stages.Document, error) {
	mimeType := fh.Header.Get("Content-Type")
	if mimeType != pdfMIME && !strings.EqualFold(filepath.Ext(fh.Filename), ".pdf") {
		return stages.Document{}, fmt.Errorf("%w: %s is not a PDF", flow.ErrInvalidInput, fh.Filename)
	}
	f, err := fh.Open()
	if err != nil {
		return stages.Document{}, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return stages.Document{}, fmt.Errorf("failed to read upload %s: %w", fh.Filename, err)
	}
	return stages.Document{Name: fh.Filename, MIMEType: pdfMIME, Data: data}, nil
}

// handleOutline implements POST /api/generation/outline/{id}.
func (s *Server) handleOutline(w http.ResponseWriter, r *http.Request) {
	skel, err := s.engine.GenerateOutline(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   flow.StatusAwaitingOutlineApproval,
		"skeleton": skel,
	})
}

type approveRequest struct {
	Modifications []slides.Modification `json:"modifications"`
}

// handleApproveOutline implements POST /api/generation/approve-outline/{id}.
func (s *Server) handleApproveOutline(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	skel, err := s.engine.ApproveOutline(r.Context(), r.PathValue("id"), req.Modifications)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   flow.StatusOutlineApproved,
		"skeleton": skel,
	})
}

// handleGenerate implements POST /api/generation/generate/{id}. The pipeline
// runs in the background; clients follow it on the stream or status endpoints.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	started, err := s.engine.StartGeneration(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"started":    started,
		"status":     flow.StatusGenerating,
		"stream_url": "/api/generation/stream/" + id,
	})
}

// handleStatus implements GET /api/generation/status/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// handleResult implements GET /api/generation/result/{id}. Anything but a
// completed session is a 409; a failed one carries its partial results.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	pres, err := s.engine.Result(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pres)
}

// handleSessionMetrics implements GET /api/generation/metrics/{id}.
func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Metrics(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// handleFailures implements GET /api/generation/failures?limit=&agent=&session_id=.
func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	f := recovery.ReportFilter{
		FailingAgent: query.Get("agent"),
		SessionID:    query.Get("session_id"),
	}
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", flow.ErrInvalidInput))
			return
		}
		f.Limit = limit
	}

	reports, err := s.engine.FailureReports(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []recovery.FailureReport{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(reports),
		"reports": reports,
	})
}

type resetBudgetRequest struct {
	Stage string `json:"stage"`
}

// handleResetBudget implements POST /api/generation/reset-budget/{id}. An empty
// stage resets every stage.
func (s *Server) handleResetBudget(w http.ResponseWriter, r *http.Request) {
	var req resetBudgetRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.engine.ResetRetryBudget(r.Context(), id, req.Stage); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"stage":      req.Stage,
		"reset":      true,
	})
}
