// ABOUTME: HTTP API for submitting, validating, and inspecting pipeline runs behind a chi router.
// ABOUTME: Enforces pipeline_timeout_sec as a request-scoped deadline around engine execution.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/maru-assistant/maru/pipeline"
	"github.com/maru-assistant/maru/skills"
	"github.com/maru-assistant/maru/store"
)

// maxDocumentBytes bounds the accepted pipeline document size.
const maxDocumentBytes = 1 << 20

// Server is the maru HTTP server: pipeline validation, run submission, run
// inspection, and operator views over persisted runs.
type Server struct {
	engine *pipeline.Engine
	runs   *store.RunStore
	skills *skills.Registry
	router chi.Router
	addr   string
}

// ServerConfig holds the configuration for the HTTP server.
type ServerConfig struct {
	Addr   string // listen address (default: "127.0.0.1:2496")
	Engine *pipeline.Engine
	Runs   *store.RunStore
	Skills *skills.Registry
}

// NewServer creates a Server with the given configuration and sets up routing.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:2496"
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("Engine must not be nil")
	}
	if cfg.Runs == nil {
		return nil, fmt.Errorf("Runs store must not be nil")
	}

	s := &Server{
		engine: cfg.Engine,
		runs:   cfg.Runs,
		skills: cfg.Skills,
		addr:   cfg.Addr,
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured address with
// timeouts to prevent resource exhaustion from slow clients.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	return srv.ListenAndServe()
}

// buildRouter constructs the chi router with all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/skills", s.handleSkills)
	r.Post("/pipelines/validate", s.handleValidate)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleRunSubmit)
		r.Get("/", s.handleRunList)
		r.Get("/{runID}", s.handleRunGet)
		r.Get("/{runID}/report", s.handleRunReport)
	})
	r.Get("/compensations/manual", s.handleManualCompensations)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSkills returns the registered skill names and the mutating subset.
func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		writeJSON(w, http.StatusOK, map[string]any{"skills": []string{}, "write_allowlist": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"skills":          s.skills.Names(),
		"write_allowlist": s.skills.WriteAllowlist(),
	})
}

// validateResponse is the body of POST /pipelines/validate.
type validateResponse struct {
	Valid       bool             `json:"valid"`
	Diagnostics []diagnosticJSON `json:"diagnostics"`
	Errors      []string         `json:"errors,omitempty"`
}

type diagnosticJSON struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	NodeID   string `json:"node_id,omitempty"`
	Fix      string `json:"fix,omitempty"`
}

// handleValidate validates a raw pipeline document without running it.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.decodeDocument(w, r)
	if !ok {
		return
	}

	opts := pipeline.ValidateOptions{}
	if s.skills != nil {
		opts.WriteAllowlist = s.skills.WriteAllowlist()
	}
	diags := pipeline.Validate(doc, opts)
	errs := pipeline.ErrorStrings(diags)

	resp := validateResponse{Valid: len(errs) == 0, Errors: errs, Diagnostics: make([]diagnosticJSON, 0, len(diags))}
	for _, d := range diags {
		resp.Diagnostics = append(resp.Diagnostics, diagnosticJSON{
			Rule:     d.Rule,
			Severity: d.Severity.String(),
			Message:  d.Message,
			NodeID:   d.NodeID,
			Fix:      d.Fix,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// runRequest is the body of POST /runs.
type runRequest struct {
	Pipeline json.RawMessage `json:"pipeline"`
	UserID   string          `json:"user_id"`
	Context  map[string]any  `json:"context,omitempty"`
	RunID    string          `json:"run_id,omitempty"`
}

// handleRunSubmit executes a pipeline synchronously and persists the terminal
// record. The response always carries the full run result; callers read its
// status and failure fields.
func (s *Server) handleRunSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}

	var req runRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Pipeline) == 0 {
		writeError(w, http.StatusBadRequest, "missing pipeline document")
		return
	}
	doc, err := pipeline.ParseDocument(req.Pipeline)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if doc.Limits.PipelineTimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(doc.Limits.PipelineTimeoutSec)*time.Second)
		defer cancel()
	}

	result, runErr := s.engine.Run(ctx, doc, pipeline.RunOptions{
		RunID:   req.RunID,
		UserID:  req.UserID,
		Context: req.Context,
	})
	if runErr != nil && result == nil {
		writeError(w, http.StatusInternalServerError, runErr.Error())
		return
	}

	if err := s.runs.SaveRun(result, req.UserID); err != nil {
		log.Printf("error persisting run %s: %v", result.PipelineRunID, err)
	}

	writeJSON(w, http.StatusOK, result)
}

// handleRunList returns persisted run summaries, newest first.
func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunGet returns the full persisted record for one run.
func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRunReport renders a run as a human-readable report. The default is
// HTML; ?format=markdown returns the raw markdown.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	md := RunReport(rec)
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(md))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(RenderMarkdown(md)))
}

// handleManualCompensations lists compensation events awaiting a human, across runs.
func (s *Server) handleManualCompensations(w http.ResponseWriter, r *http.Request) {
	manual, err := s.runs.ListManualCompensations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if manual == nil {
		manual = []store.CompensationRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"manual_compensations": manual})
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*store.RunRecord, bool) {
	runID := chi.URLParam(r, "runID")
	rec, err := s.runs.GetRun(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return rec, true
}

func (s *Server) decodeDocument(w http.ResponseWriter, r *http.Request) (*pipeline.Document, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return nil, false
	}
	doc, err := pipeline.ParseDocument(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return doc, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
