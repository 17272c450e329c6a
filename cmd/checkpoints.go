package main

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/cmaesfit/internal/config"
	"github.com/cwbudde/cmaesfit/internal/store"
)

var (
	checkpointDataDir string
	checkpointKind    string
	keepLast          int
	olderThanDays     int
	forceClean        bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and prune saved fits",
	Long: `Every job writes a checkpoint with its best parameters and, for CMA-ES,
the search distribution. "cmaesfit resume <job-id>" continues from it.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	RunE:  runListCheckpoints,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete checkpoints and traces by age or count",
	Example: `  cmaesfit checkpoints clean --keep-last 5
  cmaesfit checkpoints clean --older-than 30 -f`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(listCheckpointsCmd, cleanCheckpointsCmd)

	pf := checkpointsCmd.PersistentFlags()
	pf.StringVar(&checkpointDataDir, "data-dir", "", "Data directory (default from config)")
	pf.StringVar(&checkpointKind, "store", "", "Checkpoint backend: fs or sqlite (default from config)")

	f := cleanCheckpointsCmd.Flags()
	f.IntVar(&keepLast, "keep-last", 0, "Keep the newest N checkpoints (0 = no count limit)")
	f.IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	f.BoolVarP(&forceClean, "force", "f", false, "Do not ask for confirmation")
}

// checkpointStore opens the store named by the flags, falling back to the
// config.
func checkpointStore() (store.Store, string, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, "", err
	}
	sc := cfg.Store
	if checkpointDataDir != "" {
		sc.DataDir = checkpointDataDir
	}
	if checkpointKind != "" {
		sc.Kind = checkpointKind
	}
	st, err := openStore(&config.Config{Store: sc})
	return st, sc.DataDir, err
}

// commandOutput lets the run functions be called without a command in tests.
func commandOutput(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}

func commandInput(cmd *cobra.Command) io.Reader {
	if cmd == nil {
		return os.Stdin
	}
	return cmd.InOrStdin()
}

func newestFirst(infos []store.CheckpointInfo) {
	sort.SliceStable(infos, func(a, b int) bool { return infos[a].Timestamp.After(infos[b].Timestamp) })
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	st, dataDir, err := checkpointStore()
	if err != nil {
		return err
	}
	defer st.Close()

	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := commandOutput(cmd)
	if len(infos) == 0 {
		fmt.Fprintln(out, "No checkpoints found.")
		return nil
	}
	newestFirst(infos)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSAVED\tPROBLEM\tMETHOD\tGEN\tEVALS\tBEST COST\tREASON\tRESUMABLE\tSIZE")
	for _, info := range infos {
		size := "-"
		if n, err := getDirSize(filepath.Join(dataDir, "jobs", info.JobID)); err == nil {
			size = formatBytes(n)
		}
		reason := info.Reason
		if reason == "" {
			reason = "in progress"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%d\t%s\t%d\t%d\t%.6g\t%s\t%s\t%s\n",
			shortID(info.JobID), humanize.Time(info.Timestamp),
			info.Problem, info.Dim, info.Method,
			info.Generation, info.Evaluations, info.BestCost,
			reason, yesNo(info.Resumable), size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTotal checkpoints: %d\n", len(infos))
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast <= 0 && olderThanDays <= 0 {
		return fmt.Errorf("nothing to do: pass --keep-last or --older-than")
	}

	st, _, err := checkpointStore()
	if err != nil {
		return err
	}
	defer st.Close()

	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := commandOutput(cmd)
	doomed := selectCheckpointsForDeletion(infos, keepLast, olderThanDays)
	if len(doomed) == 0 {
		fmt.Fprintln(out, "No checkpoints match the retention policy.")
		return nil
	}

	fmt.Fprintf(out, "%d of %d checkpoint(s) will be deleted:\n", len(doomed), len(infos))
	for _, info := range doomed {
		fmt.Fprintf(out, "  %s  %s/%d  generation %d  saved %s\n",
			shortID(info.JobID), info.Problem, info.Dim, info.Generation, humanize.Time(info.Timestamp))
	}
	if !forceClean && !confirm(commandInput(cmd), out, "Delete them?") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	var failed int
	for _, info := range doomed {
		if err := st.DeleteCheckpoint(info.JobID); err != nil {
			slog.Error("Failed to delete checkpoint", "job_id", info.JobID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted checkpoint", "job_id", info.JobID)
	}

	fmt.Fprintf(out, "Deleted %d checkpoint(s)", len(doomed)-failed)
	if failed > 0 {
		fmt.Fprintf(out, ", %d failed", failed)
	}
	fmt.Fprintln(out, ".")
	return nil
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// selectCheckpointsForDeletion applies the retention policy. A checkpoint is
// selected when it is older than olderThanDays or falls outside the newest
// keepLast; zero disables either rule.
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast int, olderThanDays int) []store.CheckpointInfo {
	sorted := append([]store.CheckpointInfo(nil), infos...)
	newestFirst(sorted)

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	var selected []store.CheckpointInfo
	for i, info := range sorted {
		tooOld := olderThanDays > 0 && info.Timestamp.Before(cutoff)
		surplus := keepLast > 0 && i >= keepLast
		if tooOld || surplus {
			selected = append(selected, info)
		}
	}
	return selected
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// getDirSize sums the sizes of the regular files below path.
func getDirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// formatBytes renders a size in IEC units ("1.5 KiB").
func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
