package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwbudde/cmaesfit/internal/config"
	"github.com/cwbudde/cmaesfit/internal/store"
)

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	worker     *worker
	addr       string
	server     *http.Server
	defaults   JobConfig

	// ctx is the parent of every job context; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new HTTP server. st may be nil to disable checkpoints;
// an empty dataDir disables traces.
func NewServer(addr string, st store.Store, dataDir string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	jm := NewJobManager()
	s := &Server{
		jobManager: jm,
		worker:     &worker{jm: jm, store: st, dataDir: dataDir},
		addr:       addr,
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg, err := config.Defaults(); err == nil {
		s.defaults = JobConfig{
			Optimizer:          cfg.Optimizer,
			Problem:            cfg.Problem,
			CheckpointInterval: cfg.Store.CheckpointInterval,
		}
	}
	return s
}

// WithDefaults sets the configuration that job requests are overlaid on.
func (s *Server) WithDefaults(defaults JobConfig) *Server {
	s.defaults = defaults
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/checkpoints", s.handleCheckpoints)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, cancels running jobs and waits for
// their workers to record a final checkpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Wait blocks until every submitted job has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Job returns a snapshot of the job record.
func (s *Server) Job(id string) (Job, bool) {
	return s.jobManager.GetJob(id)
}

// CancelJob stops a pending or running job.
func (s *Server) CancelJob(id string) error {
	return s.jobManager.CancelJob(id)
}

// SubmitJob validates config and starts it in the background.
func (s *Server) SubmitJob(jc JobConfig) (Job, error) {
	if err := validateJobConfig(jc); err != nil {
		return Job{}, err
	}
	job := s.jobManager.CreateJob(jc)
	s.start(job.ID, nil)
	return job, nil
}

// ResumeJob continues the checkpoint saved for jobID under the same id. A
// non-nil optimizer replaces the saved optimizer settings, typically to raise
// the budget; it must keep the same method.
func (s *Server) ResumeJob(jobID string, optimizer *config.OptimizerConfig) (Job, error) {
	if s.worker.store == nil {
		return Job{}, errors.New("resume requires a checkpoint store")
	}
	cp, err := s.worker.store.LoadCheckpoint(jobID)
	if err != nil {
		return Job{}, err
	}

	jc := cp.Config
	if optimizer != nil {
		jc.Optimizer = *optimizer
	}
	if err := cp.IsCompatible(jc); err != nil {
		return Job{}, err
	}
	if err := validateJobConfig(jc); err != nil {
		return Job{}, err
	}

	job, err := s.jobManager.createJob(jobID, jc)
	if err != nil {
		return Job{}, err
	}
	s.jobManager.UpdateJob(jobID, func(j *Job) {
		j.Resumed = true
		j.InitialCost = cp.InitialCost
		j.BestCost = cp.BestCost
		j.BestParams = append([]float64(nil), cp.BestParams...)
		j.Generation = cp.Generation
		j.Evaluations = cp.Evaluations
	})
	job.Resumed = true

	slog.Info("Resuming job from checkpoint",
		"job_id", jobID,
		"generation", cp.Generation,
		"best_cost", cp.BestCost,
		"has_state", cp.State != nil,
	)
	s.start(jobID, cp)
	return job, nil
}

func (s *Server) start(jobID string, from *store.Checkpoint) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.jobManager.setCancel(jobID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.worker.runJob(ctx, jobID, from); err != nil {
			slog.Debug("Job ended with error", "job_id", jobID, "error", err)
		}
	}()
}

func validateJobConfig(jc JobConfig) error {
	cfg := config.Config{Optimizer: jc.Optimizer, Problem: jc.Problem}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if jc.CheckpointInterval < 0 {
		return fmt.Errorf("checkpointInterval: must be non-negative")
	}
	if _, err := jc.Problem.Build(); err != nil {
		return err
	}
	return nil
}

// createJobRequest overlays optimizer options on the server defaults. A
// problem, when given, replaces the default problem as a whole.
type createJobRequest struct {
	Optimizer          json.RawMessage       `json:"optimizer,omitempty"`
	Problem            *config.ProblemConfig `json:"problem,omitempty"`
	CheckpointInterval *int                  `json:"checkpointInterval,omitempty"`
}

func (s *Server) jobConfigFromRequest(req createJobRequest) (JobConfig, error) {
	jc := s.defaults
	if len(req.Optimizer) > 0 {
		if err := overlayJSON(req.Optimizer, &jc.Optimizer); err != nil {
			return jc, fmt.Errorf("optimizer: %w", err)
		}
	}
	if req.Problem != nil {
		p := *req.Problem
		if p.Times.Count == 0 {
			p.Times = s.defaults.Problem.Times
		}
		jc.Problem = p
	}
	if req.CheckpointInterval != nil {
		jc.CheckpointInterval = *req.CheckpointInterval
	}
	return jc, nil
}

func overlayJSON(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleIndex describes the API
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "cmaesfit",
		"endpoints": []string{
			"GET  /api/v1/jobs",
			"POST /api/v1/jobs",
			"GET  /api/v1/jobs/{id}",
			"GET  /api/v1/jobs/{id}/stream",
			"GET  /api/v1/jobs/{id}/trace.csv",
			"POST /api/v1/jobs/{id}/cancel",
			"POST /api/v1/jobs/{id}/resume",
			"GET  /api/v1/checkpoints",
		},
		"jobs": len(s.jobManager.ListJobs()),
	})
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Job ID required")
		return
	}

	jobID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" || action == "status":
		s.requireMethod(w, r, http.MethodGet, func() { s.handleGetJobStatus(w, jobID) })
	case action == "stream":
		s.requireMethod(w, r, http.MethodGet, func() { s.handleJobStream(w, r, jobID) })
	case action == "trace.csv":
		s.requireMethod(w, r, http.MethodGet, func() { s.handleTraceCSV(w, jobID) })
	case action == "cancel":
		s.requireMethod(w, r, http.MethodPost, func() { s.handleCancelJob(w, jobID) })
	case action == "resume":
		s.requireMethod(w, r, http.MethodPost, func() { s.handleResumeJob(w, r, jobID) })
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string, next func()) {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	next()
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jc, err := s.jobConfigFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.SubmitJob(jc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// jobStatus adds derived fields to a job record
type jobStatus struct {
	Job
	Elapsed        float64 `json:"elapsed"`
	EvalsPerSecond float64 `json:"evalsPerSecond"`
	Improvement    float64 `json:"improvement"`
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}

	status := jobStatus{Job: job, Elapsed: job.Elapsed().Seconds()}
	if status.Elapsed > 0 {
		status.EvalsPerSecond = float64(job.Evaluations) / status.Elapsed
	}
	if job.InitialCost > 0 && len(job.BestParams) > 0 {
		status.Improvement = (job.InitialCost - job.BestCost) / job.InitialCost * 100
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err := s.jobManager.CancelJob(jobID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": "cancelling"})
}

type resumeRequest struct {
	Optimizer json.RawMessage `json:"optimizer,omitempty"`
}

// handleResumeJob handles POST /api/v1/jobs/:id/resume
func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	var req resumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var override *config.OptimizerConfig
	if len(req.Optimizer) > 0 {
		if s.worker.store == nil {
			writeError(w, http.StatusServiceUnavailable, "checkpoints are disabled")
			return
		}
		cp, err := s.worker.store.LoadCheckpoint(jobID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		oc := cp.Config.Optimizer
		if err := overlayJSON(req.Optimizer, &oc); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("optimizer: %v", err))
			return
		}
		override = &oc
	}

	job, err := s.ResumeJob(jobID, override)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleTraceCSV handles GET /api/v1/jobs/:id/trace.csv
func (s *Server) handleTraceCSV(w http.ResponseWriter, jobID string) {
	if s.worker.dataDir == "" {
		writeError(w, http.StatusNotFound, "traces are disabled")
		return
	}
	reader, err := store.NewTraceReader(s.worker.dataDir, jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".csv"))
	if err := store.ExportCSV(entries, w); err != nil {
		slog.Error("Failed to write trace CSV", "job_id", jobID, "error", err)
	}
}

// handleCheckpoints handles GET /api/v1/checkpoints
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.worker.store == nil {
		writeJSON(w, http.StatusOK, []store.CheckpointInfo{})
		return
	}
	infos, err := s.worker.store.ListCheckpoints()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// writeStoreError maps store and job errors onto HTTP status codes
func writeStoreError(w http.ResponseWriter, err error) {
	var active *JobActiveError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &active), errors.Is(err, &store.CompatibilityError{}):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
