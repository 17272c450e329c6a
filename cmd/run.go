package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/cmaesfit/internal/config"
	"github.com/cwbudde/cmaesfit/internal/server"
	"github.com/cwbudde/cmaesfit/internal/store"
)

var (
	problemName    string
	problemDim     int
	method         string
	maxGenerations int
	maxEvaluations int
	workers        int
	seed           int64
	popSize        int
	outPath        string
	noCheckpoint   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single optimization in the foreground",
	Long: `Runs one fitting job with the loaded configuration and prints the result.
Flags override the config file. Ctrl-C cancels the run after the current
generation and keeps the best-so-far checkpoint.`,
	RunE: runOptimization,
}

func init() {
	runCmd.Flags().StringVar(&problemName, "problem", "", "Problem to solve: logistic, exponential or a benchmark (sphere, rosenbrock, beale, ackley); replaces the configured problem")
	runCmd.Flags().IntVar(&problemDim, "dim", 0, "Dimension for benchmark problems")
	runCmd.Flags().StringVar(&method, "method", "", "Optimization method: cmaes, mayfly")
	runCmd.Flags().IntVar(&maxGenerations, "max-generations", 0, "Generation budget (0 = unlimited)")
	runCmd.Flags().IntVar(&maxEvaluations, "max-evaluations", 0, "Evaluation budget (0 = unlimited)")
	runCmd.Flags().IntVar(&workers, "workers", 1, "Concurrent objective evaluations per generation")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	runCmd.Flags().IntVar(&popSize, "pop", 0, "Population size (0 = automatic)")
	runCmd.Flags().StringVar(&outPath, "out", "", "Write the final job record as JSON to this file")
	runCmd.Flags().BoolVar(&noCheckpoint, "no-checkpoint", false, "Disable checkpoints and traces")

	rootCmd.AddCommand(runCmd)
}

func runOptimization(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	jc := jobConfig(cfg)
	applyOptimizerFlags(cmd, &jc.Optimizer)
	if cmd.Flags().Changed("problem") && problemName != jc.Problem.Name {
		if jc.Problem, err = switchProblem(jc.Problem, problemName); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("dim") {
		jc.Problem.Dim = problemDim
	}

	var st store.Store
	dataDir := ""
	if !noCheckpoint {
		if st, err = openStore(cfg); err != nil {
			return err
		}
		defer st.Close()
		dataDir = cfg.Store.DataDir
	}

	srv := server.NewServer("", st, dataDir)
	job, err := srv.SubmitJob(jc)
	if err != nil {
		return err
	}
	slog.Info("Submitted job", "job_id", job.ID, "problem", jc.Problem.Name, "method", jc.Method())

	return waitAndReport(srv, job.ID, cmd.OutOrStdout())
}

// switchProblem replaces the configured problem with name. The configured
// vectors belong to the old problem: a model problem takes its data and
// search settings from the built-in defaults, a benchmark derives them from
// its own bounds. The sampling grid is kept.
func switchProblem(current config.ProblemConfig, name string) (config.ProblemConfig, error) {
	next := config.ProblemConfig{Name: name, Times: current.Times}
	if name != "logistic" && name != "exponential" {
		return next, nil
	}

	defaults, err := config.Defaults()
	if err != nil {
		return config.ProblemConfig{}, err
	}
	next = defaults.Problem
	next.Name = name
	if current.Times.Count > 0 {
		next.Times = current.Times
	}
	return next, nil
}

// applyOptimizerFlags copies explicitly set optimizer flags into oc.
func applyOptimizerFlags(cmd *cobra.Command, oc *config.OptimizerConfig) {
	flags := cmd.Flags()
	if flags.Changed("method") {
		oc.Method = method
	}
	if flags.Changed("max-generations") {
		oc.MaxGenerations = maxGenerations
	}
	if flags.Changed("max-evaluations") {
		oc.MaxEvaluations = maxEvaluations
	}
	if flags.Changed("workers") {
		oc.Workers = workers
	}
	if flags.Changed("seed") {
		oc.Seed = seed
	}
	if flags.Changed("pop") {
		oc.PopulationSize = popSize
	}
}

// waitAndReport blocks until the job finishes, cancelling it on SIGINT or
// SIGTERM, then prints the outcome.
func waitAndReport(srv *server.Server, jobID string, w io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Info("Interrupted, cancelling job", "job_id", jobID)
		if err := srv.CancelJob(jobID); err != nil {
			slog.Warn("Cancel failed", "job_id", jobID, "error", err)
		}
		<-done
	}

	job, ok := srv.Job(jobID)
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	printJob(w, job)

	if outPath != "" {
		data, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if err := os.WriteFile(outPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}

	if job.State == server.StateFailed {
		return fmt.Errorf("job failed: %s", job.Error)
	}
	return nil
}

func printJob(w io.Writer, job server.Job) {
	fmt.Fprintf(w, "Job:          %s\n", job.ID)
	fmt.Fprintf(w, "State:        %s\n", job.State)
	if job.Reason != "" {
		fmt.Fprintf(w, "Reason:       %s\n", job.Reason)
	}
	fmt.Fprintf(w, "Generations:  %d\n", job.Generation)
	fmt.Fprintf(w, "Evaluations:  %d\n", job.Evaluations)
	if len(job.BestParams) == 0 {
		fmt.Fprintln(w, "Best:         none")
	} else {
		fmt.Fprintf(w, "Cost:         %.6g -> %.6g\n", job.InitialCost, job.BestCost)
		fmt.Fprintf(w, "Parameters:   %v\n", job.BestParams)
		if job.Config.Problem.Transforms != nil {
			fmt.Fprintf(w, "Model params: %v\n", job.ModelParams)
		}
	}
	fmt.Fprintf(w, "Elapsed:      %s\n", job.Elapsed().Round(time.Millisecond))
	if job.Error != "" {
		fmt.Fprintf(w, "Error:        %s\n", job.Error)
	}
}
