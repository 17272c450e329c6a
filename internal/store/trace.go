package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceEntry is one line of trace.jsonl: the best cost after a generation.
type TraceEntry struct {
	Generation  int       `json:"generation"`
	Evaluations int       `json:"evaluations"`
	Cost        float64   `json:"cost"`
	Sigma       float64   `json:"sigma"`
	Timestamp   time.Time `json:"timestamp"`

	// Params is omitted by the worker to keep traces small.
	Params []float64 `json:"params,omitempty"`
}

// TracePath returns <baseDir>/jobs/<jobID>/trace.jsonl.
func TracePath(baseDir, jobID string) string {
	return filepath.Join(jobDir(baseDir, jobID), "trace.jsonl")
}

// TraceWriter appends JSON lines to a job's trace. Writes are buffered until
// Flush or Close; it is safe for concurrent use.
type TraceWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewTraceWriter opens the trace of jobID, truncating it unless appendMode
// is set. A resumed job appends so its history stays continuous.
func NewTraceWriter(baseDir, jobID string, appendMode bool) (*TraceWriter, error) {
	path := TracePath(baseDir, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}

	buf := bufio.NewWriterSize(file, 64*1024)
	return &TraceWriter{file: file, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Write buffers one entry. JSON cannot carry Inf or NaN, so non-finite costs
// are rejected.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	if math.IsNaN(entry.Cost) || math.IsInf(entry.Cost, 0) {
		return fmt.Errorf("trace entry for generation %d has non-finite cost", entry.Generation)
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	return nil
}

// Flush pushes buffered entries to disk.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace: %w", err)
	}
	return tw.file.Sync()
}

func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	flushErr := tw.buf.Flush()
	closeErr := tw.file.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush trace: %w", flushErr)
	}
	return closeErr
}

// TraceReader streams entries back from a trace file.
type TraceReader struct {
	file *os.File
	dec  *json.Decoder
}

// NewTraceReader returns a NotFoundError when the job has no trace.
func NewTraceReader(baseDir, jobID string) (*TraceReader, error) {
	file, err := os.Open(TracePath(baseDir, jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	return &TraceReader{file: file, dec: json.NewDecoder(bufio.NewReader(file))}, nil
}

// Read returns io.EOF after the last entry.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	var entry TraceEntry
	if err := tr.dec.Decode(&entry); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode trace entry: %w", err)
	}
	return &entry, nil
}

func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

func (tr *TraceReader) Close() error {
	return tr.file.Close()
}

// DeleteTrace removes a job's trace; a missing trace is not an error.
func DeleteTrace(baseDir, jobID string) error {
	err := os.Remove(TracePath(baseDir, jobID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete trace: %w", err)
	}
	return nil
}
