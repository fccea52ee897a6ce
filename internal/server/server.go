// Package server exposes the orchestrator's HTTP API: job submission,
// inspection, and abort, plus health and version probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/fenlight/conductor/internal/errors"
	"github.com/fenlight/conductor/pkg/admission"
	"github.com/fenlight/conductor/pkg/jobstore"
)

// Server is the HTTP control surface. Rejection is a policy outcome, so
// POST /jobs answers 200 for both QUEUED and REJECTED; transport-level
// errors alone use the error envelope.
type Server struct {
	host      string
	port      int
	store     *jobstore.Store
	admission *admission.Controller
	logger    *zap.Logger
	version   string
	router    chi.Router
}

func New(host string, port int, store *jobstore.Store, ctrl *admission.Controller, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		host:      host,
		port:      port,
		store:     store,
		admission: ctrl,
		logger:    logger,
		version:   version,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }
func (s *Server) Port() int            { return s.port }
func (s *Server) Addr() string         { return fmt.Sprintf("%s:%d", s.host, s.port) }

// ListenAndServe blocks until the context is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening", zap.String("addr", s.Addr()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTP(w, http.StatusNotFound, apperrors.CodeNotFound, "route not found", middleware.GetReqID(req.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTP(w, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed, "method not allowed", middleware.GetReqID(req.Context()))
	})

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{jobID}", s.handleGet)
	r.Post("/jobs/{jobID}/abort", s.handleAbort)

	return r
}

type submitRequest struct {
	JobType  string            `json:"job_type"`
	Params   map[string]any    `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type submitResponse struct {
	JobID          string   `json:"job_id"`
	State          string   `json:"state"`
	RejectedChecks []string `json:"rejected_checks,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, req *http.Request) {
	reqID := middleware.GetReqID(req.Context())

	var body submitRequest
	dec := json.NewDecoder(req.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		apperrors.WriteHTTP(w, http.StatusBadRequest, apperrors.CodeBadRequest, fmt.Sprintf("invalid request body: %v", err), reqID)
		return
	}
	if strings.TrimSpace(body.JobType) == "" {
		apperrors.WriteHTTP(w, http.StatusBadRequest, apperrors.CodeBadRequest, "job_type is required", reqID)
		return
	}
	params := decodeNumbers(body.Params)

	res, err := s.admission.Submit(req.Context(), admission.SubmitRequest{
		JobType:  body.JobType,
		Params:   params,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.logger.Error("submit failed", zap.Error(err), zap.String("request_id", reqID))
		apperrors.WriteHTTP(w, http.StatusInternalServerError, apperrors.CodeInternal, "submission failed", reqID)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		JobID:          res.JobID,
		State:          string(res.State),
		RejectedChecks: res.Bundle.FailedNames(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, req *http.Request) {
	reqID := middleware.GetReqID(req.Context())

	var filter jobstore.JobState
	if raw := strings.TrimSpace(req.URL.Query().Get("state")); raw != "" {
		filter = jobstore.JobState(strings.ToUpper(raw))
		if !jobstore.KnownState(filter) {
			apperrors.WriteHTTP(w, http.StatusBadRequest, apperrors.CodeBadRequest, fmt.Sprintf("unknown state %q", raw), reqID)
			return
		}
	}

	jobs, err := s.store.List(req.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err), zap.String("request_id", reqID))
		apperrors.WriteHTTP(w, http.StatusInternalServerError, apperrors.CodeInternal, "list failed", reqID)
		return
	}

	out := make([]jobSummary, 0, len(jobs))
	now := time.Now().UTC()
	for i := range jobs {
		out = append(out, summarize(&jobs[i], now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGet(w http.ResponseWriter, req *http.Request) {
	reqID := middleware.GetReqID(req.Context())
	jobID := chi.URLParam(req, "jobID")

	job, err := s.store.Get(req.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		apperrors.WriteHTTP(w, http.StatusNotFound, apperrors.CodeNotFound, fmt.Sprintf("job not found: %s", jobID), reqID)
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.Error(err), zap.String("request_id", reqID))
		apperrors.WriteHTTP(w, http.StatusInternalServerError, apperrors.CodeInternal, "lookup failed", reqID)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAbort(w http.ResponseWriter, req *http.Request) {
	reqID := middleware.GetReqID(req.Context())
	jobID := chi.URLParam(req, "jobID")

	// aborted=false covers unknown and already-terminal jobs alike; the
	// abort request itself never 404s.
	aborted, err := s.store.RequestAbort(req.Context(), jobID)
	if err != nil {
		s.logger.Error("abort request failed", zap.Error(err), zap.String("request_id", reqID))
		apperrors.WriteHTTP(w, http.StatusInternalServerError, apperrors.CodeInternal, "abort failed", reqID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "aborted": aborted})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// jobSummary is the list-view projection of a job record.
type jobSummary struct {
	JobID            string  `json:"job_id"`
	JobType          string  `json:"job_type"`
	State            string  `json:"state"`
	StateReason      string  `json:"state_reason,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	Progress         float64 `json:"progress,omitempty"`
	Phase            string  `json:"phase,omitempty"`
	HeartbeatAgeSecs float64 `json:"heartbeat_age_seconds,omitempty"`
}

func summarize(j *jobstore.JobRecord, now time.Time) jobSummary {
	out := jobSummary{
		JobID:       j.JobID,
		JobType:     j.JobType,
		State:       string(j.State),
		StateReason: j.StateReason,
		CreatedAt:   j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   j.UpdatedAt.Format(time.RFC3339),
		Progress:    j.Progress,
		Phase:       j.Phase,
	}
	if j.State == jobstore.StateRunning && j.LastHeartbeat != nil {
		out.HeartbeatAgeSecs = j.HeartbeatAge(now).Seconds()
	}
	return out
}

// decodeNumbers normalizes json.Number values left by UseNumber into the
// float64/int64 forms the fingerprint and handlers expect.
func decodeNumbers(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = decodeNumberValue(val)
	}
	return out
}

func decodeNumberValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return decodeNumbers(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = decodeNumberValue(e)
		}
		return out
	default:
		return v
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
