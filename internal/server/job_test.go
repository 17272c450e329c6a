package server

import (
	"errors"
	"testing"
	"time"
)

func TestJobManager_CreateAndGet(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig())

	if job.ID == "" {
		t.Fatal("Expected job ID to be set")
	}
	if job.State != StatePending {
		t.Errorf("Expected state pending, got %s", job.State)
	}

	got, ok := jm.GetJob(job.ID)
	if !ok {
		t.Fatal("Job not found")
	}
	if got.Config.Problem.Name != "sphere" {
		t.Errorf("Config not stored: %+v", got.Config)
	}

	if _, ok := jm.GetJob("missing"); ok {
		t.Error("Expected missing job to be absent")
	}
}

func TestJobManager_GetReturnsCopy(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig())
	jm.UpdateJob(job.ID, func(j *Job) { j.BestParams = []float64{1, 2} })

	got, _ := jm.GetJob(job.ID)
	got.BestParams[0] = 99
	got.State = StateFailed

	again, _ := jm.GetJob(job.ID)
	if again.BestParams[0] != 1 || again.State != StatePending {
		t.Errorf("Mutating a copy changed the stored job: %+v", again)
	}
}

func TestJobManager_ListJobs(t *testing.T) {
	jm := NewJobManager()
	first := jm.CreateJob(testJobConfig())
	time.Sleep(time.Millisecond)
	second := jm.CreateJob(testJobConfig())

	jobs := jm.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != first.ID || jobs[1].ID != second.ID {
		t.Errorf("Expected jobs oldest first, got %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestJobManager_UpdateJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig())

	err := jm.UpdateJob(job.ID, func(j *Job) {
		j.State = StateRunning
		j.Generation = 5
	})
	if err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	got, _ := jm.GetJob(job.ID)
	if got.State != StateRunning || got.Generation != 5 {
		t.Errorf("Update not applied: %+v", got)
	}

	if err := jm.UpdateJob("missing", func(*Job) {}); err == nil {
		t.Error("Expected error for unknown job")
	}
}

func TestJobManager_GetRunningJobs(t *testing.T) {
	jm := NewJobManager()
	a := jm.CreateJob(testJobConfig())
	jm.CreateJob(testJobConfig())
	jm.UpdateJob(a.ID, func(j *Job) { j.State = StateRunning })

	running := jm.GetRunningJobs()
	if len(running) != 1 || running[0].ID != a.ID {
		t.Errorf("Expected only %s running, got %+v", a.ID, running)
	}
}

func TestJobManager_CancelJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig())

	cancelled := false
	jm.setCancel(job.ID, func() { cancelled = true })
	if err := jm.CancelJob(job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if !cancelled {
		t.Error("Expected cancel func to be called")
	}

	jm.UpdateJob(job.ID, func(j *Job) { j.State = StateCancelled })
	if err := jm.CancelJob(job.ID); err == nil {
		t.Error("Expected error cancelling a finished job")
	}
	if err := jm.CancelJob("missing"); err == nil {
		t.Error("Expected error for unknown job")
	}
}

func TestJobManager_CancelBeforeStart(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig())

	if err := jm.CancelJob(job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	cancelled := false
	jm.setCancel(job.ID, func() { cancelled = true })
	if !cancelled {
		t.Error("A cancel requested before the worker started should fire on setCancel")
	}
}

func TestJobManager_ReplaceFinishedJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig())

	_, err := jm.createJob(job.ID, testJobConfig())
	var active *JobActiveError
	if !errors.As(err, &active) || active.State != StatePending {
		t.Fatalf("Expected JobActiveError for pending job, got %v", err)
	}

	jm.UpdateJob(job.ID, func(j *Job) { j.State = StateCompleted; j.Generation = 30 })
	replaced, err := jm.createJob(job.ID, testJobConfig())
	if err != nil {
		t.Fatalf("Replacing a finished job failed: %v", err)
	}
	if replaced.State != StatePending || replaced.Generation != 0 {
		t.Errorf("Expected a fresh record, got %+v", replaced)
	}
}

func TestJobManager_ReplaceForgetsLastEvent(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig())
	jm.UpdateJob(job.ID, func(j *Job) { j.State = StateCompleted; j.Generation = 30 })
	done, _ := jm.GetJob(job.ID)
	jm.broadcaster.Broadcast(newProgressEvent(done))

	if _, err := jm.createJob(job.ID, testJobConfig()); err != nil {
		t.Fatalf("createJob failed: %v", err)
	}

	ch := jm.broadcaster.Subscribe(job.ID)
	defer jm.broadcaster.Unsubscribe(job.ID, ch)
	select {
	case ev := <-ch:
		t.Errorf("Subscriber of the new run received the old run's event: %+v", ev)
	default:
	}
}

func TestJobState_Terminal(t *testing.T) {
	cases := map[JobState]bool{
		StatePending:   false,
		StateRunning:   false,
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	}
	for state, want := range cases {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()
	eb.Broadcast(ProgressEvent{JobID: "job", Generation: 1})

	ch := eb.Subscribe("job")
	select {
	case ev := <-ch:
		if ev.Generation != 1 {
			t.Errorf("Expected replay of last event, got %+v", ev)
		}
	default:
		t.Fatal("New subscriber did not receive the last event")
	}

	eb.Broadcast(ProgressEvent{JobID: "job", Generation: 2})
	eb.Broadcast(ProgressEvent{JobID: "other", Generation: 9})
	select {
	case ev := <-ch:
		if ev.Generation != 2 {
			t.Errorf("Expected generation 2, got %+v", ev)
		}
	default:
		t.Fatal("Subscriber did not receive broadcast")
	}
	select {
	case ev := <-ch:
		t.Errorf("Received event for another job: %+v", ev)
	default:
	}

	eb.Unsubscribe("job", ch)
	if _, open := <-ch; open {
		t.Error("Expected channel closed after unsubscribe")
	}

	ch2 := eb.Subscribe("job")
	<-ch2
	eb.CleanupJob("job")
	if _, open := <-ch2; open {
		t.Error("Expected channel closed after cleanup")
	}
	// unsubscribing after cleanup must not panic
	eb.Unsubscribe("job", ch2)
}
