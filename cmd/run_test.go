package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cwbudde/cmaesfit/internal/config"
	"github.com/cwbudde/cmaesfit/internal/server"
)

func TestRunAndResumeCommands(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Store.DataDir = dir
	cfg.Optimizer.LogEvery = 0
	appConfig = cfg
	t.Cleanup(func() { appConfig = nil; outPath = ""; resetRunFlags(t) })

	for name, value := range map[string]string{"problem": "rosenbrock", "dim": "3", "max-generations": "20"} {
		if err := runCmd.Flags().Set(name, value); err != nil {
			t.Fatalf("Set %s failed: %v", name, err)
		}
	}
	outPath = filepath.Join(dir, "result.json")

	var out bytes.Buffer
	runCmd.SetOut(&out)
	if err := runOptimization(runCmd, nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "completed") || !strings.Contains(out.String(), "budget exhausted") {
		t.Errorf("Unexpected run output:\n%s", out.String())
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("Result file missing: %v", err)
	}
	var job server.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("Bad result file: %v", err)
	}
	if job.Generation != 20 || len(job.BestParams) != 3 || job.Config.Problem.Name != "rosenbrock" {
		t.Fatalf("Unexpected job record: %+v", job)
	}

	if err := resumeCmd.Flags().Set("max-generations", "35"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	out.Reset()
	resumeCmd.SetOut(&out)
	if err := runResume(resumeCmd, []string{job.ID}); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	data, _ = os.ReadFile(outPath)
	var resumed server.Job
	if err := json.Unmarshal(data, &resumed); err != nil {
		t.Fatalf("Bad result file: %v", err)
	}
	if resumed.ID != job.ID || resumed.Generation != 35 || !resumed.Resumed {
		t.Errorf("Expected job %s resumed to generation 35, got %s at %d", job.ID, resumed.ID, resumed.Generation)
	}
	if resumed.BestCost > job.BestCost {
		t.Errorf("Resume lost progress: %g > %g", resumed.BestCost, job.BestCost)
	}
}

// resetRunFlags undoes flag values set by a test so later tests see the
// configured problem again.
func resetRunFlags(t *testing.T) {
	t.Helper()
	for _, name := range []string{"problem", "dim", "max-generations"} {
		f := runCmd.Flags().Lookup(name)
		if err := f.Value.Set(f.DefValue); err != nil {
			t.Fatalf("Reset %s failed: %v", name, err)
		}
		f.Changed = false
	}
}

func TestSwitchProblem(t *testing.T) {
	defaults, err := config.Defaults()
	if err != nil {
		t.Fatalf("Defaults failed: %v", err)
	}

	bench := config.ProblemConfig{Name: "rosenbrock", Dim: 4, Times: config.TimesConfig{Start: 0, Stop: 50, Count: 11}}
	model, err := switchProblem(bench, "exponential")
	if err != nil {
		t.Fatalf("switchProblem failed: %v", err)
	}
	if model.Name != "exponential" {
		t.Errorf("Expected exponential, got %s", model.Name)
	}
	if len(model.TrueParams) != len(defaults.Problem.TrueParams) || len(model.X0) != len(defaults.Problem.X0) {
		t.Errorf("Model vectors not filled from defaults: %+v", model)
	}
	if model.Times != bench.Times {
		t.Errorf("Sampling grid not kept: %+v", model.Times)
	}
	if err := model.Validate(); err != nil {
		t.Errorf("Switched model problem invalid: %v", err)
	}

	back, err := switchProblem(model, "sphere")
	if err != nil {
		t.Fatalf("switchProblem failed: %v", err)
	}
	if back.TrueParams != nil || back.X0 != nil || back.Lower != nil || back.Upper != nil {
		t.Errorf("Benchmark kept model vectors: %+v", back)
	}
}

func TestRunSwitchesToModelProblem(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Problem = config.ProblemConfig{Name: "sphere", Dim: 5, Times: cfg.Problem.Times}
	cfg.Optimizer.LogEvery = 0
	appConfig = cfg
	noCheckpoint = true
	t.Cleanup(func() { appConfig = nil; noCheckpoint = false; resetRunFlags(t) })

	for name, value := range map[string]string{"problem": "exponential", "max-generations": "5"} {
		if err := runCmd.Flags().Set(name, value); err != nil {
			t.Fatalf("Set %s failed: %v", name, err)
		}
	}

	var out bytes.Buffer
	runCmd.SetOut(&out)
	if err := runOptimization(runCmd, nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "completed") {
		t.Errorf("Unexpected run output:\n%s", out.String())
	}
}
