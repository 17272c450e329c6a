package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/cmaesfit/internal/store"
)

// JobState is the lifecycle stage of a job: pending, running, then one of
// the terminal states.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether a job in this state will not change again.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// JobConfig is what a checkpoint records, so a job can be rebuilt from one.
type JobConfig = store.JobConfig

// Job represents an optimization job. BestCost and Sigma are zero until the
// first generation has produced a finite cost.
type Job struct {
	ID          string     `json:"id"`
	State       JobState   `json:"state"`
	Config      JobConfig  `json:"config"`
	BestParams  []float64  `json:"bestParams,omitempty"`
	ModelParams []float64  `json:"modelParams,omitempty"`
	BestCost    float64    `json:"bestCost"`
	InitialCost float64    `json:"initialCost"`
	Generation  int        `json:"generation"`
	Evaluations int        `json:"evaluations"`
	Sigma       float64    `json:"sigma,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Degenerate  bool       `json:"degenerate,omitempty"`
	Resumed     bool       `json:"resumed,omitempty"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Error       string     `json:"error,omitempty"`

	cancel          context.CancelFunc
	cancelRequested bool
}

// Elapsed returns the run time so far, or the total once finished.
func (j *Job) Elapsed() time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}

// JobManager manages the lifecycle of jobs. Accessors return copies so
// callers never share state with a running worker.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a pending job under a fresh UUID.
func (jm *JobManager) CreateJob(config JobConfig) Job {
	job, _ := jm.createJob(uuid.New().String(), config)
	return job
}

// createJob registers a pending job under id. A finished job with the same
// id is replaced, which is how a resumed checkpoint keeps its job id.
func (jm *JobManager) createJob(id string, config JobConfig) (Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if existing, ok := jm.jobs[id]; ok {
		if !existing.State.Terminal() {
			return Job{}, &JobActiveError{JobID: id, State: existing.State}
		}
		// the previous run's terminal event must not reach new subscribers
		jm.broadcaster.CleanupJob(id)
	}

	job := &Job{
		ID:        id,
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	return job.copy(), nil
}

// GetJob returns a snapshot of the job.
func (jm *JobManager) GetJob(id string) (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return Job{}, false
	}
	return job.copy(), true
}

// ListJobs returns all jobs, oldest first
func (jm *JobManager) ListJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.copy())
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].StartTime.Before(jobs[b].StartTime) })
	return jobs
}

// UpdateJob applies fn to the stored job under the manager's lock.
func (jm *JobManager) UpdateJob(id string, fn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	fn(job)
	return nil
}

func (jm *JobManager) GetRunningJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var running []Job
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			running = append(running, job.copy())
		}
	}
	return running
}

// JobActiveError is returned when an operation needs a finished job.
type JobActiveError struct {
	JobID string
	State JobState
}

func (e *JobActiveError) Error() string {
	return fmt.Sprintf("job %s is %s", e.JobID, e.State)
}

// CancelJob asks a pending or running job to stop after its current
// generation.
func (jm *JobManager) CancelJob(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.State.Terminal() {
		return fmt.Errorf("job %s already %s", id, job.State)
	}
	job.cancelRequested = true
	if job.cancel != nil {
		job.cancel()
	}
	return nil
}

// setCancel attaches the worker's cancel func. A cancel requested before the
// worker started fires immediately.
func (jm *JobManager) setCancel(id string, cancel context.CancelFunc) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if job, ok := jm.jobs[id]; ok {
		job.cancel = cancel
		if job.cancelRequested {
			cancel()
		}
	}
}

func (j *Job) copy() Job {
	c := *j
	c.BestParams = append([]float64(nil), j.BestParams...)
	c.ModelParams = append([]float64(nil), j.ModelParams...)
	if j.EndTime != nil {
		end := *j.EndTime
		c.EndTime = &end
	}
	c.cancel = nil
	c.cancelRequested = false
	return c
}
