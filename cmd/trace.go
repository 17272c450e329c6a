package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/cmaesfit/internal/store"
)

var (
	traceOut   string
	traceEvery int
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect per-generation traces",
}

var traceExportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Export a job's trace as CSV",
	Long:  `Writes one CSV row per generation: counters, best cost, step size and the best parameters joined with ';'.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceExport,
}

var traceShowCmd = &cobra.Command{
	Use:   "show <job-id|file.csv>",
	Short: "Print the cost history of a job or an exported CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceShow,
}

func init() {
	traceShowCmd.Flags().IntVar(&traceEvery, "every", 10, "Print every Nth generation (the last one is always printed)")
	traceCmd.AddCommand(traceShowCmd)
	traceCmd.PersistentFlags().StringVar(&checkpointDataDir, "data-dir", "", "Base directory for traces (default from config)")
	traceExportCmd.Flags().StringVarP(&traceOut, "out", "o", "", "Output file (default stdout)")
	traceCmd.AddCommand(traceExportCmd)
	rootCmd.AddCommand(traceCmd)
}

// loadTrace reads the trace of a job in the data directory.
func loadTrace(jobID string) ([]store.TraceEntry, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, err
	}
	dataDir := cfg.Store.DataDir
	if checkpointDataDir != "" {
		dataDir = checkpointDataDir
	}

	reader, err := store.NewTraceReader(dataDir, jobID)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return entries, nil
}

func runTraceExport(cmd *cobra.Command, args []string) error {
	entries, err := loadTrace(args[0])
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if traceOut != "" {
		f, err := os.Create(traceOut)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	return store.ExportCSV(entries, w)
}

func runTraceShow(cmd *cobra.Command, args []string) error {
	var entries []store.TraceEntry
	if strings.HasSuffix(strings.ToLower(args[0]), ".csv") {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		if entries, err = store.ImportCSV(f); err != nil {
			return err
		}
	} else {
		var err error
		if entries, err = loadTrace(args[0]); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "Trace is empty.")
		return nil
	}

	every := max(traceEvery, 1)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "GEN\tEVALS\tBEST COST\tSIGMA\t")
	for i, e := range entries {
		if i%every != 0 && i != len(entries)-1 {
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%.6g\t%.3g\t\n", e.Generation, e.Evaluations, e.Cost, e.Sigma)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	first, last := entries[0], entries[len(entries)-1]
	fmt.Fprintf(out, "\n%d generations, best cost %.6g -> %.6g\n", len(entries), first.Cost, last.Cost)
	return nil
}
