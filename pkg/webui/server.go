// Package webui exposes the generation flow over HTTP: JSON endpoints for each
// flow operation, a server-sent event stream per session, health, logs and
// Prometheus exposition.
package webui

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kevin-nav/sankosides/pkg/flow"
	"github.com/Kevin-nav/sankosides/pkg/logx"
	"github.com/Kevin-nav/sankosides/pkg/recovery"
	"github.com/Kevin-nav/sankosides/pkg/stages"
	"github.com/Kevin-nav/sankosides/pkg/version"
)

const (
	authUser  = "sankosides"
	authRealm = `Basic realm="SankoSides"`

	// maxUploadBytes bounds one synthesize request.
	maxUploadBytes = 64 << 20
	// maxLogEntries caps /api/logs responses.
	maxLogEntries = 1000
)

// Server represents the HTTP API server.
type Server struct {
	engine     *flow.Engine
	gatherer   prometheus.Gatherer
	logger     *logx.Logger
	projectDir string
	password   string
	passphrase string
	started    time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithPassword enables basic auth on every route except the health check.
func WithPassword(password string) Option {
	return func(s *Server) { s.password = password }
}

// WithGatherer sets the registry served at /metrics (prometheus.DefaultGatherer by default).
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates a new API server. projectDir is where the encrypted
// secrets file lives.
func NewServer(engine *flow.Engine, projectDir string, opts ...Option) *Server {
	s := &Server{
		engine:     engine,
		gatherer:   prometheus.DefaultGatherer,
		logger:     logx.NewLogger("webui"),
		projectDir: projectDir,
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// requireAuth wraps an HTTP handler with Basic Authentication when a password is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.password == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", authRealm)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if username != authUser || subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) != 1 {
			s.logger.Warn("Failed authentication attempt from %s (username: %s)", r.RemoteAddr, username)
			w.Header().Set("WWW-Authenticate", authRealm)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	const g = "/api/generation"

	// Generation flow.
	mux.HandleFunc("POST "+g+"/start", s.requireAuth(s.handleStart))
	mux.HandleFunc("POST "+g+"/quick-start", s.requireAuth(s.handleQuickStart))
	mux.HandleFunc("POST "+g+"/clarify/{id}", s.requireAuth(s.handleClarify))
	mux.HandleFunc("POST "+g+"/confirm/{id}", s.requireAuth(s.handleConfirm))
	mux.HandleFunc("POST "+g+"/synthesize/{id}", s.requireAuth(s.handleSynthesize))
	mux.HandleFunc("POST "+g+"/outline/{id}", s.requireAuth(s.handleOutline))
	mux.HandleFunc("POST "+g+"/approve-outline/{id}", s.requireAuth(s.handleApproveOutline))
	mux.HandleFunc("POST "+g+"/generate/{id}", s.requireAuth(s.handleGenerate))
	mux.HandleFunc("GET "+g+"/stream/{id}", s.requireAuth(s.handleStream))
	mux.HandleFunc("GET "+g+"/status/{id}", s.requireAuth(s.handleStatus))
	mux.HandleFunc("GET "+g+"/result/{id}", s.requireAuth(s.handleResult))
	mux.HandleFunc("GET "+g+"/metrics/{id}", s.requireAuth(s.handleSessionMetrics))
	mux.HandleFunc("GET "+g+"/failures", s.requireAuth(s.handleFailures))
	mux.HandleFunc("POST "+g+"/reset-budget/{id}", s.requireAuth(s.handleResetBudget))

	// Operations.
	mux.HandleFunc("GET /api/healthz", s.handleHealth)
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleLogs))
	mux.HandleFunc("GET /api/secrets", s.requireAuth(s.handleSecretsList))
	mux.HandleFunc("POST /api/secrets", s.requireAuth(s.handleSecretsSet))
	mux.HandleFunc("DELETE /api/secrets/{name}", s.requireAuth(s.handleSecretsDelete))
	mux.Handle("GET /metrics", s.requireAuth(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP))
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// handleHealth implements GET /api/healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

// handleLogs implements GET /api/logs?domain=&session_id=&since=RFC3339.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	domain := query.Get("domain")
	sessionID := query.Get("session_id")
	sinceStr := query.Get("since")

	var since time.Time
	if sinceStr != "" {
		var err error
		since, err = time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			s.logger.Warn("Invalid since parameter: %s", sinceStr)
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
	}

	logs := logx.GetRecentLogEntries(domain, sessionID, since)
	if len(logs) > maxLogEntries {
		logs = logs[len(logs)-maxLogEntries:]
	}
	if logs == nil {
		logs = []logx.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// errorResponse is the body of every failed API call.
type errorResponse struct {
	Error           string              `json:"error"`
	Status          string              `json:"status,omitempty"`
	FailureReportID string              `json:"failure_report_id,omitempty"`
	Partial         *flow.PartialResult `json:"partial,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

// writeError maps a flow error onto a status code and writes the JSON error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error()}

	var failed *flow.FailedError
	if errors.As(err, &failed) {
		body.Status = string(flow.StatusFailed)
		body.Error = failed.Message
		body.FailureReportID = failed.FailureReportID
		body.Partial = failed.Partial
	} else if report, ok := recovery.IsEscalation(err); ok {
		body.Status = string(flow.StatusFailed)
		body.FailureReportID = report.ID
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		s.logger.Debug("%s %s: %v", r.Method, r.URL.Path, err)
	}
	s.writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, flow.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrInvalidTransition),
		errors.Is(err, flow.ErrOrderFormIncomplete),
		errors.Is(err, flow.ErrNotReadyForConfirmation),
		errors.Is(err, flow.ErrNotCompleted):
		return http.StatusConflict
	case errors.Is(err, flow.ErrClosed), errors.Is(err, stages.ErrNoModel), flow.IsInfrastructure(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	if _, ok := recovery.IsEscalation(err); ok {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// StartServer starts the HTTP server and shuts it down when ctx is cancelled.
// The returned channel receives the listener error, if any, once serving stops.
func (s *Server) StartServer(ctx context.Context, host string, port int) <-chan error {
	addr := fmt.Sprintf("%s:%d", host, port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting API server on %s", addr)

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error: %v", err)
			errCh <- err
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // parent context is cancelled; shutdown needs a fresh one
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	return errCh
}
