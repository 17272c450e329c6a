package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent is the payload of one SSE message. BestCost is zero until
// the job has a finite best.
type ProgressEvent struct {
	JobID          string    `json:"jobId"`
	State          JobState  `json:"state"`
	Generation     int       `json:"generation"`
	Evaluations    int       `json:"evaluations"`
	BestCost       float64   `json:"bestCost"`
	Sigma          float64   `json:"sigma,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	EvalsPerSecond float64   `json:"evalsPerSecond"`
	Timestamp      time.Time `json:"timestamp"`
}

func newProgressEvent(job Job) ProgressEvent {
	ev := ProgressEvent{
		JobID:       job.ID,
		State:       job.State,
		Generation:  job.Generation,
		Evaluations: job.Evaluations,
		BestCost:    job.BestCost,
		Sigma:       job.Sigma,
		Reason:      job.Reason,
		Timestamp:   time.Now(),
	}
	if secs := job.Elapsed().Seconds(); secs > 0 {
		ev.EvalsPerSecond = float64(job.Evaluations) / secs
	}
	return ev
}

const subscriberBuffer = 10

// EventBroadcaster fans progress events out to the SSE subscribers of each
// job and remembers the latest event so late subscribers start from it.
// Slow subscribers lose events rather than stall the worker.
type EventBroadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[chan ProgressEvent]struct{}
	latest map[string]ProgressEvent
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subs:   make(map[string]map[chan ProgressEvent]struct{}),
		latest: make(map[string]ProgressEvent),
	}
}

// Subscribe returns a channel that first yields the job's latest event, if
// any.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	ch := make(chan ProgressEvent, subscriberBuffer)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	set := eb.subs[jobID]
	if set == nil {
		set = make(map[chan ProgressEvent]struct{})
		eb.subs[jobID] = set
	}
	set[ch] = struct{}{}
	if ev, ok := eb.latest[jobID]; ok {
		ch <- ev
	}

	slog.Debug("SSE client subscribed", "job_id", jobID, "subscribers", len(set))
	return ch
}

// Unsubscribe closes ch. It is a no-op once CleanupJob has run.
func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	set := eb.subs[jobID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(eb.subs, jobID)
	}
}

func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.latest[event.JobID] = event
	for ch := range eb.subs[event.JobID] {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE subscriber lagging, dropping event", "job_id", event.JobID, "generation", event.Generation)
		}
	}
}

// CleanupJob closes every subscriber of jobID and forgets its latest event.
func (eb *EventBroadcaster) CleanupJob(jobID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for ch := range eb.subs[jobID] {
		close(ch)
	}
	delete(eb.subs, jobID)
	delete(eb.latest, jobID)
}

// handleJobStream serves GET /api/v1/jobs/:id/stream. The current job state
// is sent first; the stream ends with the first terminal event.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.jobManager.GetJob(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	send := func(ev ProgressEvent) bool {
		if err := writeSSEEvent(w, ev); err != nil {
			slog.Warn("SSE write failed", "job_id", jobID, "error", err)
			return false
		}
		flusher.Flush()
		return !ev.State.Terminal()
	}

	if !send(newProgressEvent(job)) {
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("SSE client disconnected", "job_id", jobID)
			return
		case ev, open := <-events:
			if !open || !send(ev) {
				return
			}
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one "progress" event.
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}
