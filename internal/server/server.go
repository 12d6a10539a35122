// Package server exposes the event endpoints and run inspection API over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pullci/internal/blockchain"
	"pullci/internal/core"
	"pullci/internal/metrics"
	"pullci/internal/security"
	"pullci/internal/source"
	"pullci/internal/store"
	"pullci/internal/trigger"
)

const maxBodyBytes = 5 << 20

// RunLookup finds runs that are no longer in the in-memory ring.
type RunLookup interface {
	GetRun(ctx context.Context, id string) (*core.RunRecord, error)
	ListRuns(ctx context.Context, pipeline string, limit int) ([]store.RunSummary, error)
}

// LogReader reads back a saved step log.
type LogReader interface {
	ReadLog(path string) (string, error)
}

// Options are the server collaborators. Only Listener is required.
type Options struct {
	Listener      *trigger.Listener
	Ledger        *blockchain.Ledger
	Metrics       *metrics.Collector
	Runs          RunLookup
	Logs          LogReader
	WebhookSecret string
	Logger        *slog.Logger

	// BaseContext bounds runs started by a request. Runs outlive the request
	// itself and stop only when BaseContext is done.
	BaseContext context.Context
}

type Server struct {
	listener *trigger.Listener
	ledger   *blockchain.Ledger
	metrics  *metrics.Collector
	runs     RunLookup
	logs     LogReader
	secret   string
	logger   *slog.Logger
	base     context.Context
}

func New(opts Options) *Server {
	s := &Server{
		listener: opts.Listener,
		ledger:   opts.Ledger,
		metrics:  opts.Metrics,
		runs:     opts.Runs,
		logs:     opts.Logs,
		secret:   opts.WebhookSecret,
		logger:   opts.Logger,
		base:     opts.BaseContext,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.base == nil {
		s.base = context.Background()
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Post("/events", s.handleEvent)
	r.Post("/webhooks/github", s.handleGitHubWebhook)

	r.Get("/pipelines", s.handleListPipelines)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/steps/{step}/log", s.handleStepLog)
	r.Get("/ledger/verify", s.handleVerifyLedger)
	return r
}

// requestLogger logs one line per request with slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"pipelines": len(s.listener.Pipelines()),
		"async":     s.listener.Async(),
		"queued":    s.listener.Queued(),
	})
}

// POST /events -> {"kind": "...", "metadata": {...}}
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ev, err := source.DecodeEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.dispatch(w, r, ev)
}

// POST /webhooks/github
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.secret != "" {
		if err := security.VerifyGitHubSignature(s.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
			s.logger.Warn("Rejected webhook delivery", "delivery", r.Header.Get("X-GitHub-Delivery"), "error", err)
			writeError(w, http.StatusUnauthorized, err)
			return
		}
	}
	ev, ok, err := source.ParseGitHubEvent(r.Header.Get("X-GitHub-Event"), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.dispatch(w, r, ev)
}

type runSummary struct {
	ID       string      `json:"id"`
	Pipeline string      `json:"pipeline"`
	Status   core.Status `json:"status"`
	Failed   string      `json:"failed_step,omitempty"`
	Message  string      `json:"message,omitempty"`
	Started  *time.Time  `json:"started_at,omitempty"`
}

func summarize(rec *core.RunRecord) runSummary {
	out := runSummary{ID: rec.ID, Pipeline: rec.Pipeline, Status: rec.Status}
	if f := rec.FailedStep(); f != nil {
		out.Failed = f.StepName
		out.Message = f.ExitInfo.Message
	}
	return out
}

// runContext keeps the request's values but not its cancellation: a client
// that stops waiting must not cancel the runs it started.
func (s *Server) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ev core.Event) {
	ctx, cancel := s.runContext(r)
	defer cancel()
	d, err := s.listener.Dispatch(ctx, ev)
	if len(d.Matched) == 0 && err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	resp := map[string]any{
		"event":   ev.Kind,
		"matched": d.Matched,
		"queued":  d.Queued,
	}
	if err != nil {
		resp["error"] = err.Error()
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrQueueFull) || errors.Is(err, core.ErrSchedulerClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
		return
	}
	if len(d.Runs) > 0 {
		runs := make([]runSummary, len(d.Runs))
		for i, rec := range d.Runs {
			runs[i] = summarize(rec)
		}
		resp["runs"] = runs
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type stepView struct {
	Name    string `json:"name"`
	Uses    string `json:"uses"`
	Timeout string `json:"timeout,omitempty"`
}

type pipelineView struct {
	Name      string           `json:"name"`
	Source    string           `json:"source,omitempty"`
	On        []core.EventKind `json:"on"`
	Condition string           `json:"if,omitempty"`
	Steps     []stepView       `json:"steps"`
}

// GET /pipelines
func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	ps := s.listener.Pipelines()
	out := make([]pipelineView, 0, len(ps))
	for _, p := range ps {
		v := pipelineView{
			Name:      p.Name(),
			Source:    p.Source(),
			On:        p.Trigger().Kinds(),
			Condition: p.Trigger().Condition(),
		}
		for _, st := range p.Steps() {
			sv := stepView{Name: st.Name(), Uses: st.Handler()}
			if d, ok := st.Timeout(); ok {
				sv.Timeout = d.String()
			}
			v.Steps = append(v.Steps, sv)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

const defaultRunsLimit = 50

// GET /runs?pipeline=&limit= -> runs, newest first. With a database the
// list comes from it; otherwise from the in-memory ring.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	pipeline := r.URL.Query().Get("pipeline")
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	if s.runs != nil {
		rows, err := s.runs.ListRuns(r.Context(), pipeline, limit)
		if err == nil {
			out := make([]runSummary, len(rows))
			for i, row := range rows {
				started := row.StartedAt
				out[i] = runSummary{ID: row.ID, Pipeline: row.Pipeline, Status: row.Status, Started: &started}
			}
			writeJSON(w, http.StatusOK, out)
			return
		}
		s.logger.Warn("Run store listing failed, using recent runs", "error", err)
	}

	out := make([]runSummary, 0, limit)
	for _, rec := range s.listener.Recent().List() {
		if len(out) == limit {
			break
		}
		if pipeline != "" && rec.Pipeline != pipeline {
			continue
		}
		out = append(out, summarize(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// lookupRun checks the recent-runs ring, then the run store.
func (s *Server) lookupRun(ctx context.Context, id string) (*core.RunRecord, bool) {
	if rec, ok := s.listener.Recent().Get(id); ok {
		return rec, true
	}
	if s.runs != nil {
		rec, err := s.runs.GetRun(ctx, id)
		if err == nil {
			return rec, true
		}
		s.logger.Debug("Run lookup failed", "run", id, "error", err)
	}
	return nil, false
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.lookupRun(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /runs/{id}/steps/{step}/log -> full step output as text
func (s *Server) handleStepLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, errors.New("step logs are not stored"))
		return
	}
	id, step := chi.URLParam(r, "id"), chi.URLParam(r, "step")
	rec, ok := s.lookupRun(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
		return
	}
	var path string
	for _, res := range rec.Results {
		if res.StepName == step {
			path = res.ExitInfo.LogPath
			break
		}
	}
	if path == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("no log for step %q of run %s", step, id))
		return
	}
	out, err := s.logs.ReadLog(path)
	if err != nil {
		s.logger.Warn("Cannot read step log", "run", id, "step", step, "error", err)
		writeError(w, http.StatusNotFound, fmt.Errorf("log for step %q unavailable", step))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, out)
}

// GET /ledger/verify -> run VerifyChain
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, errors.New("ledger is disabled"))
		return
	}
	if err := s.ledger.VerifyChain(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "blocks": s.ledger.Len(), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "blocks": s.ledger.Len()})
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("cannot read body: %w", err)
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
