package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/cmaesfit/internal/server"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show jobs of a running server",
	Long: `Without arguments, lists every job the server knows about. With a job
id, prints its configuration and progress.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the cmaesfit server")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus mirrors the status endpoint's response
type jobStatus struct {
	server.Job
	Elapsed        float64 `json:"elapsed"`
	EvalsPerSecond float64 `json:"evalsPerSecond"`
	Improvement    float64 `json:"improvement"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	base := strings.TrimRight(serverURL, "/")
	if len(args) == 0 {
		return listJobs(cmd.OutOrStdout(), base+"/api/v1/jobs")
	}
	jobID := args[0]
	return getJobStatus(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs/%s/status", base, jobID), jobID)
}

func fetchJSON(url string, v any) (int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listJobs(w io.Writer, url string) error {
	var jobs []server.Job
	if _, err := fetchJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATE\tPROBLEM\tMETHOD\tGEN\tBEST COST")
	for _, job := range jobs {
		best := "-"
		if len(job.BestParams) > 0 {
			best = fmt.Sprintf("%.6g", job.BestCost)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			job.ID, job.State, job.Config.Problem.Name, job.Config.Method(), job.Generation, best)
	}
	return tw.Flush()
}

func getJobStatus(w io.Writer, url, jobID string) error {
	var status jobStatus
	code, err := fetchJSON(url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Job: %s\n", status.ID)
	fmt.Fprintf(w, "State: %s\n", status.State)
	if status.Resumed {
		fmt.Fprintln(w, "Resumed: yes")
	}
	fmt.Fprintln(w)

	oc := status.Config.Optimizer
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Problem: %s\n", status.Config.Problem.Name)
	fmt.Fprintf(w, "  Method: %s\n", status.Config.Method())
	fmt.Fprintf(w, "  Max generations: %d\n", oc.MaxGenerations)
	if oc.MaxEvaluations > 0 {
		fmt.Fprintf(w, "  Max evaluations: %d\n", oc.MaxEvaluations)
	}
	fmt.Fprintf(w, "  Workers: %d\n", max(oc.Workers, 1))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Generation: %d\n", status.Generation)
	fmt.Fprintf(w, "  Evaluations: %d\n", status.Evaluations)
	if status.InitialCost > 0 {
		fmt.Fprintf(w, "  Initial Cost: %.6g\n", status.InitialCost)
	}
	if len(status.BestParams) > 0 {
		fmt.Fprintf(w, "  Best Cost: %.6g\n", status.BestCost)
		fmt.Fprintf(w, "  Improvement: %.1f%%\n", status.Improvement)
		fmt.Fprintf(w, "  Parameters: %v\n", status.BestParams)
	}
	if status.Sigma > 0 {
		fmt.Fprintf(w, "  Step size: %.3g\n", status.Sigma)
	}
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.EvalsPerSecond > 0 {
		fmt.Fprintf(w, "  Throughput: %.0f evals/sec\n", status.EvalsPerSecond)
	}
	if status.Reason != "" {
		fmt.Fprintf(w, "  Stopped: %s\n", status.Reason)
	}

	if status.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", status.Error)
	}

	return nil
}
