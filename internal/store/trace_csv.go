package store

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
)

// traceRecord is the CSV row shape of a TraceEntry. Params are joined with
// ';' so each generation stays on one row.
type traceRecord struct {
	Generation  int     `csv:"generation"`
	Evaluations int     `csv:"evaluations"`
	Cost        float64 `csv:"cost"`
	Sigma       float64 `csv:"sigma"`
	Timestamp   string  `csv:"timestamp"`
	Params      string  `csv:"params"`
}

// ExportCSV writes the entries as CSV with a header row.
func ExportCSV(entries []TraceEntry, w io.Writer) error {
	records := make([]traceRecord, len(entries))
	for i, e := range entries {
		params := make([]string, len(e.Params))
		for j, p := range e.Params {
			params[j] = strconv.FormatFloat(p, 'g', -1, 64)
		}
		records[i] = traceRecord{
			Generation:  e.Generation,
			Evaluations: e.Evaluations,
			Cost:        e.Cost,
			Sigma:       e.Sigma,
			Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
			Params:      strings.Join(params, ";"),
		}
	}

	if err := gocsv.Marshal(records, w); err != nil {
		return fmt.Errorf("writing trace csv: %w", err)
	}
	return nil
}

// ImportCSV reads entries written by ExportCSV.
func ImportCSV(r io.Reader) ([]TraceEntry, error) {
	var records []traceRecord
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, fmt.Errorf("reading trace csv: %w", err)
	}

	entries := make([]TraceEntry, len(records))
	for i, rec := range records {
		ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad timestamp: %w", i+1, err)
		}
		var params []float64
		if rec.Params != "" {
			for _, field := range strings.Split(rec.Params, ";") {
				v, err := strconv.ParseFloat(field, 64)
				if err != nil {
					return nil, fmt.Errorf("row %d: bad parameter %q: %w", i+1, field, err)
				}
				params = append(params, v)
			}
		}
		entries[i] = TraceEntry{
			Generation:  rec.Generation,
			Evaluations: rec.Evaluations,
			Cost:        rec.Cost,
			Sigma:       rec.Sigma,
			Timestamp:   ts,
			Params:      params,
		}
	}
	return entries, nil
}
