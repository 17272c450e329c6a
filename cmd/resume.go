package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/cmaesfit/internal/server"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a job from its checkpoint",
	Long: `Continues a checkpointed job in the foreground. CMA-ES jobs restore the
saved search distribution; other methods restart at the saved best point.
Budget flags replace the saved budget, so raise --max-generations to continue
a job that ran out of generations.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().IntVar(&maxGenerations, "max-generations", 0, "New generation budget, counted from the start of the original run")
	resumeCmd.Flags().IntVar(&maxEvaluations, "max-evaluations", 0, "New evaluation budget")
	resumeCmd.Flags().IntVar(&workers, "workers", 1, "Concurrent objective evaluations per generation")
	resumeCmd.Flags().StringVar(&outPath, "out", "", "Write the final job record as JSON to this file")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	cp, err := st.LoadCheckpoint(jobID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	oc := cp.Config.Optimizer
	applyOptimizerFlags(cmd, &oc)

	srv := server.NewServer("", st, cfg.Store.DataDir)
	if _, err := srv.ResumeJob(jobID, &oc); err != nil {
		return err
	}
	slog.Info("Resumed job", "job_id", jobID, "generation", cp.Generation, "best_cost", cp.BestCost)

	return waitAndReport(srv, jobID, cmd.OutOrStdout())
}
