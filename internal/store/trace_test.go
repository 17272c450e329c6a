package store

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeTrace(t *testing.T, dir, jobID string, appendMode bool, entries ...TraceEntry) {
	t.Helper()
	writer, err := NewTraceWriter(dir, jobID, appendMode)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	for _, e := range entries {
		if err := writer.Write(e); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
}

func readTrace(t *testing.T, dir, jobID string) []TraceEntry {
	t.Helper()
	reader, err := NewTraceReader(dir, jobID)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	return entries
}

func TestTraceWriter_WriteAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Now()

	entries := []TraceEntry{
		{Generation: 1, Evaluations: 6, Cost: 1.0, Sigma: 1, Timestamp: now},
		{Generation: 20, Evaluations: 120, Cost: 0.6, Sigma: 0.4, Timestamp: now, Params: []float64{1, 2, 3}},
		{Generation: 40, Evaluations: 240, Cost: 0.4, Sigma: 0.1, Timestamp: now},
	}
	writeTrace(t, tmpDir, "job-1", false, entries...)

	if _, err := os.Stat(TracePath(tmpDir, "job-1")); err != nil {
		t.Fatalf("Trace file not created: %v", err)
	}

	got := readTrace(t, tmpDir, "job-1")
	if len(got) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(got))
	}
	for i, entry := range got {
		if entry.Generation != entries[i].Generation || entry.Evaluations != entries[i].Evaluations {
			t.Errorf("Entry %d: counters %d/%d, expected %d/%d", i,
				entry.Generation, entry.Evaluations, entries[i].Generation, entries[i].Evaluations)
		}
		if entry.Cost != entries[i].Cost || entry.Sigma != entries[i].Sigma {
			t.Errorf("Entry %d: cost/sigma %f/%f, expected %f/%f", i, entry.Cost, entry.Sigma, entries[i].Cost, entries[i].Sigma)
		}
		if len(entry.Params) != len(entries[i].Params) {
			t.Errorf("Entry %d: expected %d params, got %d", i, len(entries[i].Params), len(entry.Params))
		}
	}
}

func TestTraceWriter_AppendAndTruncate(t *testing.T) {
	tmpDir := t.TempDir()

	writeTrace(t, tmpDir, "job", false, TraceEntry{Generation: 1, Cost: 1})
	writeTrace(t, tmpDir, "job", true, TraceEntry{Generation: 2, Cost: 0.5})
	if got := readTrace(t, tmpDir, "job"); len(got) != 2 || got[1].Generation != 2 {
		t.Fatalf("Append mode lost entries: %+v", got)
	}

	writeTrace(t, tmpDir, "job", false, TraceEntry{Generation: 3, Cost: 0.1})
	if got := readTrace(t, tmpDir, "job"); len(got) != 1 || got[0].Generation != 3 {
		t.Errorf("Create mode should truncate: %+v", got)
	}
}

func TestTraceWriter_RejectsNonFiniteCost(t *testing.T) {
	writer, err := NewTraceWriter(t.TempDir(), "job", false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer writer.Close()

	for _, c := range []float64{math.Inf(1), math.NaN()} {
		if err := writer.Write(TraceEntry{Generation: 1, Cost: c}); err == nil {
			t.Errorf("Expected error for cost %f", c)
		}
	}
}

func TestTraceReader_ReadIteratively(t *testing.T) {
	tmpDir := t.TempDir()
	var entries []TraceEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, TraceEntry{Generation: i * 10, Cost: 1.0 - float64(i)*0.1})
	}
	writeTrace(t, tmpDir, "job", false, entries...)

	reader, err := NewTraceReader(tmpDir, "job")
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	count := 0
	for {
		entry, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if entry.Generation != count*10 {
			t.Errorf("Entry %d: expected generation %d, got %d", count, count*10, entry.Generation)
		}
		count++
	}
	if count != 5 {
		t.Errorf("Expected 5 entries, got %d", count)
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	_, err := NewTraceReader(t.TempDir(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func TestDeleteTrace(t *testing.T) {
	tmpDir := t.TempDir()
	writeTrace(t, tmpDir, "job", false, TraceEntry{Generation: 1, Cost: 1})

	if err := DeleteTrace(tmpDir, "job"); err != nil {
		t.Fatalf("DeleteTrace failed: %v", err)
	}
	if _, err := os.Stat(TracePath(tmpDir, "job")); !os.IsNotExist(err) {
		t.Error("Trace file still exists")
	}
	if err := DeleteTrace(tmpDir, "job"); err != nil {
		t.Errorf("Deleting a missing trace should succeed, got %v", err)
	}
}

func TestTraceWriter_ConcurrentWrites(t *testing.T) {
	tmpDir := t.TempDir()
	writer, err := NewTraceWriter(tmpDir, "job", false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(gen int) {
			defer wg.Done()
			if err := writer.Write(TraceEntry{Generation: gen, Cost: float64(gen)}); err != nil {
				t.Errorf("Concurrent write failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
	writer.Close()

	if got := readTrace(t, tmpDir, "job"); len(got) != 10 {
		t.Errorf("Expected 10 entries, got %d", len(got))
	}
}

func TestExportCSV(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []TraceEntry{
		{Generation: 1, Evaluations: 6, Cost: 2.5, Sigma: 1, Timestamp: ts, Params: []float64{0.01, 1.5}},
		{Generation: 2, Evaluations: 12, Cost: 0.125, Sigma: 0.8, Timestamp: ts},
	}

	var buf bytes.Buffer
	if err := ExportCSV(entries, &buf); err != nil {
		t.Fatalf("ExportCSV failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header plus 2 rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if lines[0] != "generation,evaluations,cost,sigma,timestamp,params" {
		t.Errorf("Unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], "0.01;1.5") {
		t.Errorf("Expected joined params in %q", lines[1])
	}

	back, err := ImportCSV(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	if len(back) != 2 || back[0].Params[1] != 1.5 || back[1].Params != nil || !back[0].Timestamp.Equal(ts) {
		t.Errorf("CSV round trip mismatch: %+v", back)
	}
}
