package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const checkpointFile = "checkpoint.json"

// FSStore keeps one directory per job under <baseDir>/jobs/<jobID>/ with
// checkpoint.json next to the job's trace.jsonl. Checkpoints are replaced by
// rename, so concurrent readers never observe a partial file.
type FSStore struct {
	baseDir string
}

// NewFSStore creates baseDir if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// jobDir is shared by every backend: traces always live here.
func jobDir(baseDir, jobID string) string {
	return filepath.Join(baseDir, "jobs", jobID)
}

func checkJobID(jobID string) error {
	if jobID == "" {
		return errors.New("jobID cannot be empty")
	}
	return nil
}

func (s *FSStore) checkpointPath(jobID string) string {
	return filepath.Join(jobDir(s.baseDir, jobID), checkpointFile)
}

func (s *FSStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}
	if checkpoint == nil {
		return errors.New("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	if err := os.MkdirAll(jobDir(s.baseDir, jobID), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	path := s.checkpointPath(jobID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	slog.Debug("Checkpoint saved", "job_id", jobID, "generation", checkpoint.Generation, "path", path)
	return nil
}

func (s *FSStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.checkpointPath(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", jobID, err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", jobID, err)
	}
	return &checkpoint, nil
}

// ListCheckpoints skips directories without a checkpoint (trace-only jobs)
// and checkpoints that fail to decode.
func (s *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "jobs"))
	if errors.Is(err, fs.ErrNotExist) {
		return []CheckpointInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		checkpoint, err := s.LoadCheckpoint(entry.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Skipping unreadable checkpoint", "job_id", entry.Name(), "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}
	return infos, nil
}

// DeleteCheckpoint removes the whole job directory, trace included.
func (s *FSStore) DeleteCheckpoint(jobID string) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}

	dir := jobDir(s.baseDir, jobID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return &NotFoundError{JobID: jobID}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}

	slog.Debug("Checkpoint deleted", "job_id", jobID)
	return nil
}

func (s *FSStore) Close() error { return nil }
