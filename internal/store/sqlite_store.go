package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps checkpoints in a single SQLite database. Traces stay on
// the filesystem under baseDir, shared with FSStore.
type SQLiteStore struct {
	baseDir string
	path    string

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(baseDir, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	s := &SQLiteStore{baseDir: baseDir, path: path}
	if err := s.Init(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// a single connection serialises writers instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO checkpoints (job_id, generation, best_cost, created_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			generation = excluded.generation,
			best_cost = excluded.best_cost,
			created_at = excluded.created_at,
			payload = excluded.payload
	`, jobID, checkpoint.Generation, checkpoint.BestCost, checkpoint.Timestamp.UTC().Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", jobID, err)
	}

	slog.Debug("Checkpoint saved", "job_id", jobID, "path", s.path)
	return nil
}

func (s *SQLiteStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}

	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var payload []byte
	err = db.QueryRow(`SELECT payload FROM checkpoints WHERE job_id = ?`, jobID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", jobID, err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(payload, &checkpoint); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", jobID, err)
	}
	return &checkpoint, nil
}

func (s *SQLiteStore) ListCheckpoints() ([]CheckpointInfo, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT job_id, payload FROM checkpoints ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	infos := []CheckpointInfo{}
	for rows.Next() {
		var jobID string
		var payload []byte
		if err := rows.Scan(&jobID, &payload); err != nil {
			return nil, err
		}
		var checkpoint Checkpoint
		if err := json.Unmarshal(payload, &checkpoint); err != nil {
			slog.Warn("Failed to decode checkpoint for listing", "job_id", jobID, "error", err)
			continue // Skip corrupted checkpoints
		}
		infos = append(infos, checkpoint.ToInfo())
	}
	return infos, rows.Err()
}

func (s *SQLiteStore) DeleteCheckpoint(jobID string) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}

	db, err := s.getDB()
	if err != nil {
		return err
	}

	res, err := db.Exec(`DELETE FROM checkpoints WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &NotFoundError{JobID: jobID}
	}

	if err := os.RemoveAll(jobDir(s.baseDir, jobID)); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}
	slog.Debug("Checkpoint deleted", "job_id", jobID)
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			job_id TEXT PRIMARY KEY,
			generation INTEGER NOT NULL,
			best_cost REAL NOT NULL,
			created_at TEXT NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
