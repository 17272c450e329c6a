package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Store persists one checkpoint per job. Implementations are safe for
// concurrent use; Load and Delete report a missing job with ErrNotFound.
type Store interface {
	// SaveCheckpoint replaces any previous checkpoint of jobID.
	SaveCheckpoint(jobID string, checkpoint *Checkpoint) error
	LoadCheckpoint(jobID string) (*Checkpoint, error)
	// ListCheckpoints never returns a nil slice on success.
	ListCheckpoints() ([]CheckpointInfo, error)
	// DeleteCheckpoint also removes the job's trace.
	DeleteCheckpoint(jobID string) error
	Close() error
}

// NewStore opens the backend named by kind ("fs" or "sqlite") under dataDir.
// Traces always live on the filesystem under dataDir.
func NewStore(kind, dataDir string) (Store, error) {
	switch strings.ToLower(kind) {
	case "", "fs":
		return NewFSStore(dataDir)
	case "sqlite":
		return NewSQLiteStore(dataDir, filepath.Join(dataDir, "checkpoints.db"))
	}
	return nil, fmt.Errorf("unknown store backend %q (want fs or sqlite)", kind)
}

// ErrNotFound matches any NotFoundError under errors.Is.
var ErrNotFound = &NotFoundError{}

// NotFoundError reports a job without a checkpoint or trace.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID == "" {
		return "checkpoint not found"
	}
	return fmt.Sprintf("no checkpoint for job %s", e.JobID)
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
