// Package config provides configuration loading for runs, jobs and the server.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/cmaesfit/internal/opt"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all configuration parameters.
type Config struct {
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Problem   ProblemConfig   `yaml:"problem"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
}

// OptimizerConfig selects the backend and its budgets.
type OptimizerConfig struct {
	Method         string  `yaml:"method" json:"method"`
	MaxGenerations int     `yaml:"max_generations" json:"maxGenerations"`
	MaxEvaluations int     `yaml:"max_evaluations" json:"maxEvaluations"`
	Tolerance      float64 `yaml:"tolerance" json:"tolerance"`
	Window         int     `yaml:"window" json:"window"`
	PopulationSize int     `yaml:"population_size" json:"populationSize"`
	ConditionLimit float64 `yaml:"condition_limit" json:"conditionLimit"`
	Workers        int     `yaml:"workers" json:"workers"`
	Seed           int64   `yaml:"seed" json:"seed"`
	LogEvery       int     `yaml:"log_every" json:"logEvery"`
	// Cache memoises objective values by exact parameter vector.
	Cache bool `yaml:"cache" json:"cache,omitempty"`
}

// StoreConfig chooses the checkpoint backend.
type StoreConfig struct {
	Kind               string `yaml:"kind"`
	DataDir            string `yaml:"data_dir"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg, err := Defaults()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.merge(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the embedded default configuration.
func Defaults() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	return cfg, nil
}

// merge overlays a user document. The default problem's vectors describe the
// logistic example, so switching to another problem drops the ones the user
// did not set.
func (c *Config) merge(data []byte) error {
	var raw struct {
		Problem map[string]any `yaml:"problem"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	defaultName := c.Problem.Name

	// Unmarshal into same struct - only overwrites fields present in file
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if c.Problem.Name == defaultName {
		return nil
	}
	reset := map[string]*[]float64{
		"x0":          &c.Problem.X0,
		"sigma0":      &c.Problem.Sigma0,
		"lower":       &c.Problem.Lower,
		"upper":       &c.Problem.Upper,
		"true_params": &c.Problem.TrueParams,
	}
	for key, field := range reset {
		if _, ok := raw.Problem[key]; !ok {
			*field = nil
		}
	}
	if _, ok := raw.Problem["transforms"]; !ok {
		c.Problem.Transforms = nil
	}
	return nil
}

// Validate checks values that would otherwise only fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Optimizer.Method {
	case "", "cmaes", "mayfly":
	default:
		return fmt.Errorf("optimizer.method: unknown method %q", c.Optimizer.Method)
	}
	if c.Optimizer.MaxGenerations < 0 || c.Optimizer.MaxEvaluations < 0 {
		return fmt.Errorf("optimizer: budgets must be non-negative")
	}
	if c.Optimizer.Tolerance < 0 || c.Optimizer.Window < 0 {
		return fmt.Errorf("optimizer: tolerance and window must be non-negative")
	}
	if c.Optimizer.PopulationSize != 0 && c.Optimizer.PopulationSize < 4 {
		return fmt.Errorf("optimizer.population_size: must be 0 or at least 4, got %d", c.Optimizer.PopulationSize)
	}
	if c.Optimizer.Workers < 0 {
		return fmt.Errorf("optimizer.workers: must be non-negative")
	}

	switch strings.ToLower(c.Store.Kind) {
	case "", "fs", "sqlite":
	default:
		return fmt.Errorf("store.kind: unknown backend %q", c.Store.Kind)
	}
	if c.Store.CheckpointInterval < 0 {
		return fmt.Errorf("store.checkpoint_interval: must be non-negative")
	}

	return c.Problem.Validate()
}

// OptConfig converts the optimizer section into a driver config.
func (o OptimizerConfig) OptConfig() opt.Config {
	config := opt.DefaultConfig()
	config.MaxGenerations = o.MaxGenerations
	config.MaxEvaluations = o.MaxEvaluations
	config.Tolerance = o.Tolerance
	config.Window = o.Window
	config.PopulationSize = o.PopulationSize
	if o.ConditionLimit > 0 {
		config.ConditionLimit = o.ConditionLimit
	}
	config.Workers = max(o.Workers, 1)
	config.Seed = o.Seed
	config.LogEvery = o.LogEvery
	return config
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
