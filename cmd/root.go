package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/cmaesfit/internal/config"
	"github.com/cwbudde/cmaesfit/internal/server"
	"github.com/cwbudde/cmaesfit/internal/store"
)

var (
	logLevel   string
	configPath string
	appConfig  *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cmaesfit",
	Short: "Parameter fitting with CMA-ES",
	Long: `cmaesfit fits model parameters to data with the covariance matrix
adaptation evolution strategy. Jobs run locally or behind an HTTP server,
with checkpoints that can be resumed and per-generation traces.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		// stdout carries command output such as CSV exports
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		appConfig = cfg
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "Minimum log level: debug, info, warn or error")
	pf.StringVarP(&configPath, "config", "c", "", "YAML config file overlaid on the built-in defaults")
}

// currentConfig returns the loaded config, or the defaults when a command
// runs without the root pre-run (as in tests).
func currentConfig() (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	return config.Load("")
}

// jobConfig extracts the per-job part of the application config.
func jobConfig(cfg *config.Config) server.JobConfig {
	return server.JobConfig{
		Optimizer:          cfg.Optimizer,
		Problem:            cfg.Problem,
		CheckpointInterval: cfg.Store.CheckpointInterval,
	}
}

// openStore opens the configured checkpoint backend.
func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.NewStore(cfg.Store.Kind, cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	return st, nil
}
