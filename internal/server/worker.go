package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/cmaesfit/internal/config"
	"github.com/cwbudde/cmaesfit/internal/fit"
	"github.com/cwbudde/cmaesfit/internal/opt"
	"github.com/cwbudde/cmaesfit/internal/store"
)

// worker carries what a job needs beyond its own config.
type worker struct {
	jm      *JobManager
	store   store.Store
	dataDir string
}

// runJob executes an optimization job. When from is non-nil the job continues
// that checkpoint: CMA-ES restores the saved distribution, other methods
// restart at the saved best point. Checkpoints are written every
// CheckpointInterval generations when a store is configured, and always at
// the end of the run.
func (w *worker) runJob(ctx context.Context, jobID string, from *store.Checkpoint) error {
	job, exists := w.jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if err := ctx.Err(); err != nil {
		markJobCancelled(w.jm, jobID)
		return err
	}

	err := w.jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}

	slog.Info("Starting job",
		"job_id", jobID,
		"method", job.Config.Method(),
		"problem", job.Config.Problem.Name,
		"resumed", from != nil,
	)

	setup, err := job.Config.Problem.Build()
	if err != nil {
		markJobFailed(w.jm, jobID, fmt.Errorf("building problem: %w", err))
		return err
	}

	calls := opt.NewCountingObjective(setup.Objective)
	var objective opt.Objective = calls
	var cache *opt.CachingObjective
	if job.Config.Optimizer.Cache {
		cache = opt.NewCachingObjective(calls)
		objective = cache
	}

	initialCost := math.Inf(1)
	if from != nil {
		initialCost = from.InitialCost
	} else if c, err := objective.Evaluate(append([]float64(nil), setup.X0...)); err == nil && isFinite(c) {
		initialCost = c
	}
	w.jm.UpdateJob(jobID, func(j *Job) {
		if isFinite(initialCost) {
			j.InitialCost = initialCost
		}
	})

	trace := w.openTrace(jobID, from != nil)
	if trace != nil {
		defer trace.Close()
	}

	cfg := job.Config.Optimizer.OptConfig()
	cfg.Progress = func(p opt.Progress) {
		w.recordProgress(jobID, setup, p)
		if trace != nil && isFinite(p.BestCost) {
			if err := trace.Write(store.TraceEntry{
				Generation:  p.Generation,
				Evaluations: p.Evaluations,
				Cost:        p.BestCost,
				Sigma:       p.Sigma,
				Timestamp:   time.Now(),
				Params:      p.BestParams,
			}); err != nil {
				slog.Warn("Failed to write trace entry", "job_id", jobID, "error", err)
			}
		}
		interval := job.Config.CheckpointInterval
		if w.store != nil && interval > 0 && p.Generation%interval == 0 && isFinite(p.BestCost) {
			state := p.State
			cp := store.NewCheckpoint(jobID, p.BestParams, p.BestCost, initialCost, p.Generation, p.Evaluations, job.Config)
			cp.State = &state
			w.saveCheckpoint(cp)
		}
	}

	progressDone := make(chan struct{})
	go monitorProgress(ctx, w.jm, jobID, progressDone)

	result, err := w.optimize(ctx, job.Config, cfg, setup, objective, initialCost, from)
	close(progressDone)

	if result == nil {
		if err == nil {
			err = errors.New("optimizer returned no result")
		}
		if ctx.Err() != nil {
			markJobCancelled(w.jm, jobID)
			return ctx.Err()
		}
		markJobFailed(w.jm, jobID, err)
		return err
	}

	w.finalCheckpoint(jobID, job.Config, result, initialCost)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			w.finish(jobID, setup, result, StateCancelled)
			slog.Info("Job cancelled", "job_id", jobID, "generation", result.Generations, "best_cost", result.BestCost)
			return err
		}
		markJobFailed(w.jm, jobID, err)
		return err
	}

	if result.Degenerate {
		w.finish(jobID, setup, result, StateFailed)
		slog.Warn("Job ended with a degenerate population", "job_id", jobID, "generation", result.Generations)
		return nil
	}

	w.finish(jobID, setup, result, StateCompleted)
	slog.Info("Job completed",
		"job_id", jobID,
		"reason", string(result.Reason),
		"generations", result.Generations,
		"evaluations", result.Evaluations,
		"initial_cost", initialCost,
		"best_cost", result.BestCost,
		"objective_calls", calls.Count(),
		"cache_hits", cacheHits(cache),
		"elapsed", result.Elapsed,
	)
	return nil
}

// optimize dispatches to the configured backend.
func (w *worker) optimize(ctx context.Context, jc JobConfig, cfg opt.Config, setup *config.Setup, obj opt.Objective, initialCost float64, from *store.Checkpoint) (*opt.Result, error) {
	if from != nil && from.State != nil && jc.Method() == "cmaes" {
		return opt.NewCMAES(cfg).Resume(ctx, obj, *from.State, setup.Bounds)
	}

	x0 := setup.X0
	if from != nil && len(from.BestParams) == len(x0) {
		x0 = append([]float64(nil), from.BestParams...)
		if setup.Bounds != nil {
			x0 = setup.Bounds.Clamp(x0)
		}
	}

	optimizer, err := opt.New(jc.Method(), cfg)
	if err != nil {
		return nil, err
	}
	res, err := fit.FitFrom(ctx, obj, optimizer, x0, setup.Sigma0, setup.Bounds, initialCost)
	if res == nil {
		return nil, err
	}
	return res.Result, err
}

func cacheHits(c *opt.CachingObjective) int {
	if c == nil {
		return 0
	}
	return c.Hits()
}

func (w *worker) openTrace(jobID string, appendMode bool) *store.TraceWriter {
	if w.dataDir == "" {
		return nil
	}
	trace, err := store.NewTraceWriter(w.dataDir, jobID, appendMode)
	if err != nil {
		slog.Warn("Trace disabled", "job_id", jobID, "error", err)
		return nil
	}
	return trace
}

// recordProgress copies a generation report into the job record. Costs are
// only stored once finite so the job stays JSON encodable.
func (w *worker) recordProgress(jobID string, setup *config.Setup, p opt.Progress) {
	w.jm.UpdateJob(jobID, func(j *Job) {
		j.Generation = p.Generation
		j.Evaluations = p.Evaluations
		j.Sigma = p.Sigma
		if isFinite(p.BestCost) && len(p.BestParams) > 0 {
			j.BestCost = p.BestCost
			j.BestParams = append([]float64(nil), p.BestParams...)
			j.ModelParams = setup.ModelParams(j.BestParams)
		}
	})
}

func (w *worker) finish(jobID string, setup *config.Setup, res *opt.Result, state JobState) {
	endTime := time.Now()
	w.jm.UpdateJob(jobID, func(j *Job) {
		j.State = state
		j.Generation = res.Generations
		j.Evaluations = res.Evaluations
		j.Reason = string(res.Reason)
		j.Degenerate = res.Degenerate
		if res.Degenerate {
			j.Error = "no finite cost in a whole generation"
		}
		if res.Found() && isFinite(res.BestCost) {
			j.BestCost = res.BestCost
			j.BestParams = append([]float64(nil), res.BestParams...)
			j.ModelParams = setup.ModelParams(j.BestParams)
		}
		j.EndTime = &endTime
	})

	if job, ok := w.jm.GetJob(jobID); ok {
		w.jm.broadcaster.Broadcast(newProgressEvent(job))
	}
}

func (w *worker) finalCheckpoint(jobID string, jc JobConfig, res *opt.Result, initialCost float64) {
	if w.store == nil || !res.Found() || !isFinite(res.BestCost) {
		return
	}
	cp := store.NewCheckpoint(jobID, res.BestParams, res.BestCost, initialCost, res.Generations, res.Evaluations, jc)
	cp.Reason = string(res.Reason)
	cp.State = res.State
	w.saveCheckpoint(cp)
}

func (w *worker) saveCheckpoint(cp *store.Checkpoint) {
	if err := w.store.SaveCheckpoint(cp.JobID, cp); err != nil {
		slog.Error("Failed to save checkpoint", "job_id", cp.JobID, "error", err)
		return
	}
	slog.Debug("Checkpoint saved",
		"job_id", cp.JobID,
		"generation", cp.Generation,
		"best_cost", cp.BestCost,
	)
}

// monitorProgress periodically broadcasts progress events during optimization
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond) // Throttle to 2 updates per second
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}
			jm.broadcaster.Broadcast(newProgressEvent(job))
		}
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(newProgressEvent(job))
	}
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.Reason = string(opt.ReasonCancelled)
		j.EndTime = &endTime
	})
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(newProgressEvent(job))
	}
	slog.Info("Job cancelled", "job_id", jobID)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
