package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cwbudde/cmaesfit/internal/cmaes"
	"github.com/cwbudde/cmaesfit/internal/config"
)

// createTestCheckpoint creates a checkpoint with test data.
func createTestCheckpoint(jobID string) *Checkpoint {
	return &Checkpoint{
		JobID:       jobID,
		BestParams:  []float64{0.0151, 1.79},
		BestCost:    0.0234,
		InitialCost: 5621.5,
		Generation:  120,
		Evaluations: 720,
		Timestamp:   time.Now(),
		Config: JobConfig{
			Optimizer: config.OptimizerConfig{Method: "cmaes", MaxGenerations: 1000, Seed: 42},
			Problem: config.ProblemConfig{
				Name:       "logistic",
				TrueParams: []float64{0.015, 6},
				Transforms: []string{"identity", "exp"},
			},
			CheckpointInterval: 50,
		},
		State: &cmaes.Snapshot{
			Generation: 120,
			Mean:       []float64{0.0151, 1.79},
			Sigma:      0.02,
			Scale:      []float64{0.01, 2},
			Covariance: []float64{1, 0.1, 0.1, 1},
			PathSigma:  []float64{0, 0},
			PathC:      []float64{0, 0},
			Lambda:     6,
			Status:     "running",
		},
	}
}

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	fsStore, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create fs store: %v", err)
	}

	dir := t.TempDir()
	sqliteStore, err := NewSQLiteStore(dir, filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		t.Fatalf("Failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{"fs": fsStore, "sqlite": sqliteStore}
}

func TestNewStore(t *testing.T) {
	for _, kind := range []string{"", "fs", "sqlite"} {
		s, err := NewStore(kind, t.TempDir())
		if err != nil {
			t.Fatalf("NewStore(%q) failed: %v", kind, err)
		}
		s.Close()
	}
	if _, err := NewStore("redis", t.TempDir()); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	for name, s := range backends(t) {
		checkpoint := createTestCheckpoint("job-1")
		if err := s.SaveCheckpoint("job-1", checkpoint); err != nil {
			t.Fatalf("%s: SaveCheckpoint failed: %v", name, err)
		}

		loaded, err := s.LoadCheckpoint("job-1")
		if err != nil {
			t.Fatalf("%s: LoadCheckpoint failed: %v", name, err)
		}
		if loaded.BestCost != checkpoint.BestCost || loaded.Generation != 120 || loaded.Evaluations != 720 {
			t.Errorf("%s: loaded checkpoint differs: %+v", name, loaded)
		}
		if loaded.Config.Problem.Name != "logistic" || loaded.Config.Optimizer.Seed != 42 {
			t.Errorf("%s: config not preserved: %+v", name, loaded.Config)
		}
		if loaded.State == nil || loaded.State.Covariance[1] != 0.1 || loaded.State.Lambda != 6 {
			t.Errorf("%s: search state not preserved: %+v", name, loaded.State)
		}
		if !loaded.Timestamp.Equal(checkpoint.Timestamp) {
			t.Errorf("%s: timestamp changed: %v vs %v", name, loaded.Timestamp, checkpoint.Timestamp)
		}
	}
}

func TestStore_Overwrite(t *testing.T) {
	for name, s := range backends(t) {
		first := createTestCheckpoint("job")
		first.BestCost = 0.5
		second := createTestCheckpoint("job")
		second.BestCost = 0.1

		if err := s.SaveCheckpoint("job", first); err != nil {
			t.Fatalf("%s: first save failed: %v", name, err)
		}
		if err := s.SaveCheckpoint("job", second); err != nil {
			t.Fatalf("%s: second save failed: %v", name, err)
		}

		loaded, err := s.LoadCheckpoint("job")
		if err != nil {
			t.Fatalf("%s: LoadCheckpoint failed: %v", name, err)
		}
		if loaded.BestCost != 0.1 {
			t.Errorf("%s: expected overwritten cost 0.1, got %f", name, loaded.BestCost)
		}
	}
}

func TestStore_InvalidInput(t *testing.T) {
	for name, s := range backends(t) {
		if err := s.SaveCheckpoint("", createTestCheckpoint("x")); err == nil {
			t.Errorf("%s: expected error for empty jobID", name)
		}
		if err := s.SaveCheckpoint("x", nil); err == nil {
			t.Errorf("%s: expected error for nil checkpoint", name)
		}
		bad := createTestCheckpoint("x")
		bad.BestParams = nil
		if err := s.SaveCheckpoint("x", bad); !errors.Is(err, &ValidationError{}) {
			t.Errorf("%s: expected ValidationError, got %v", name, err)
		}
		if _, err := s.LoadCheckpoint(""); err == nil {
			t.Errorf("%s: expected error for empty jobID on load", name)
		}
		if err := s.DeleteCheckpoint(""); err == nil {
			t.Errorf("%s: expected error for empty jobID on delete", name)
		}
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, s := range backends(t) {
		if _, err := s.LoadCheckpoint("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected NotFoundError on load, got %v", name, err)
		}
		if err := s.DeleteCheckpoint("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected NotFoundError on delete, got %v", name, err)
		}
	}
}

func TestStore_List(t *testing.T) {
	for name, s := range backends(t) {
		infos, err := s.ListCheckpoints()
		if err != nil || len(infos) != 0 {
			t.Fatalf("%s: expected empty list, got %v (%v)", name, infos, err)
		}

		jobs := []string{"job-1", "job-2", "job-3"}
		for _, jobID := range jobs {
			if err := s.SaveCheckpoint(jobID, createTestCheckpoint(jobID)); err != nil {
				t.Fatalf("%s: failed to save %s: %v", name, jobID, err)
			}
		}

		infos, err = s.ListCheckpoints()
		if err != nil {
			t.Fatalf("%s: ListCheckpoints failed: %v", name, err)
		}
		found := make(map[string]CheckpointInfo)
		for _, info := range infos {
			found[info.JobID] = info
		}
		for _, jobID := range jobs {
			info, ok := found[jobID]
			if !ok {
				t.Errorf("%s: job %s not listed", name, jobID)
				continue
			}
			if info.Problem != "logistic" || info.Dim != 2 || !info.Resumable {
				t.Errorf("%s: unexpected info %+v", name, info)
			}
		}
	}
}

func TestStore_DeleteRemovesTrace(t *testing.T) {
	fsDir := t.TempDir()
	fsStore, _ := NewFSStore(fsDir)
	sqlDir := t.TempDir()
	sqliteStore, err := NewSQLiteStore(sqlDir, filepath.Join(sqlDir, "checkpoints.db"))
	if err != nil {
		t.Fatalf("Failed to create sqlite store: %v", err)
	}
	defer sqliteStore.Close()

	cases := map[string]struct {
		store Store
		dir   string
	}{
		"fs":     {fsStore, fsDir},
		"sqlite": {sqliteStore, sqlDir},
	}
	for name, tc := range cases {
		if err := tc.store.SaveCheckpoint("job", createTestCheckpoint("job")); err != nil {
			t.Fatalf("%s: save failed: %v", name, err)
		}
		writeTrace(t, tc.dir, "job", false, TraceEntry{Generation: 1, Cost: 1})

		if err := tc.store.DeleteCheckpoint("job"); err != nil {
			t.Fatalf("%s: DeleteCheckpoint failed: %v", name, err)
		}
		if _, err := tc.store.LoadCheckpoint("job"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: checkpoint still loadable: %v", name, err)
		}
		if _, err := os.Stat(TracePath(tc.dir, "job")); !os.IsNotExist(err) {
			t.Errorf("%s: trace survived delete", name)
		}
	}
}

func TestFSStore_AtomicSave(t *testing.T) {
	tempDir := t.TempDir()
	s, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if err := s.SaveCheckpoint("job", createTestCheckpoint("job")); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	path := filepath.Join(tempDir, "jobs", "job", "checkpoint.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Checkpoint file was not created at %s", path)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Temp file should not exist after save")
	}
}

func TestFSStore_ListSkipsInvalidDirectories(t *testing.T) {
	tempDir := t.TempDir()
	s, _ := NewFSStore(tempDir)
	if err := s.SaveCheckpoint("valid", createTestCheckpoint("valid")); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	// a trace-only directory and a stray file
	writeTrace(t, tempDir, "trace-only", false, TraceEntry{Generation: 1, Cost: 1})
	os.WriteFile(filepath.Join(tempDir, "jobs", "dummy.txt"), []byte("test"), 0644)

	infos, err := s.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 1 || infos[0].JobID != "valid" {
		t.Errorf("Expected only the valid checkpoint, got %+v", infos)
	}
}

func TestStore_ConcurrentSave(t *testing.T) {
	for name, s := range backends(t) {
		const numJobs = 10
		var wg sync.WaitGroup
		for i := 0; i < numJobs; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				jobID := fmt.Sprintf("concurrent-job-%d", idx)
				if err := s.SaveCheckpoint(jobID, createTestCheckpoint(jobID)); err != nil {
					t.Errorf("%s: concurrent save failed for %s: %v", name, jobID, err)
				}
			}(i)
		}
		wg.Wait()

		infos, err := s.ListCheckpoints()
		if err != nil {
			t.Fatalf("%s: ListCheckpoints failed: %v", name, err)
		}
		if len(infos) != numJobs {
			t.Errorf("%s: expected %d checkpoints, got %d", name, numJobs, len(infos))
		}
	}
}
