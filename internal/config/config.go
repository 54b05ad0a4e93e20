// Package config loads planverd configuration from planverd.yaml with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the conventional config file name.
const DefaultConfigFile = "planverd.yaml"

// Config holds all planverd configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Input and output locations
	Paths PathsConfig `yaml:"paths"`

	// External oracles
	Verifier VerifierConfig `yaml:"verifier"`
	Planner  PlannerConfig  `yaml:"planner"`

	// Generation service
	LLM LLMConfig `yaml:"llm"`

	// Convergence loop budgets
	Loop LoopConfig `yaml:"loop"`

	// SQLite run archive
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig locates domain, problem, and plan files plus the results root.
type PathsConfig struct {
	Domain      string `yaml:"domain"`
	ProblemDir  string `yaml:"problem_dir"`
	PlanDir     string `yaml:"plan_dir"`
	ResultsRoot string `yaml:"results_root"`
	Task        string `yaml:"task"`
	Rules       string `yaml:"rules"`
	App         string `yaml:"app"`
	Output      string `yaml:"output"`
}

// VerifierConfig configures the external VAL checker.
type VerifierConfig struct {
	Binary  string `yaml:"binary"`
	Verbose bool   `yaml:"verbose"`
	Timeout string `yaml:"timeout"`
}

// PlannerConfig configures the external classical planner.
type PlannerConfig struct {
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`
	Timeout string   `yaml:"timeout"`
}

// LLMConfig configures the text-generation service.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // local, gemini
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// LoopConfig bounds the convergence controller.
type LoopConfig struct {
	// Direct-PDDL repair attempts (first try included)
	MaxAttempts int `yaml:"max_attempts"`
	// Template-mode name regeneration attempts
	TemplateAttempts int `yaml:"template_attempts"`
	// Planner repair attempts
	PlannerAttempts int `yaml:"planner_attempts"`
	// Temperature ceiling applied after the first failure
	CooledTemperature float64 `yaml:"cooled_temperature"`
}

// StoreConfig configures the SQLite archive of verification runs.
type StoreConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "planverd",
		Version: "0.3.0",

		Paths: PathsConfig{
			Domain:      "data/inputs/domain.pddl",
			ProblemDir:  "problem",
			PlanDir:     "plan",
			ResultsRoot: "results",
			Task:        "data/inputs/prompt.txt",
			Rules:       "data/inputs/rules.txt",
			App:         "data/inputs/app.txt",
			Output:      "data/outputs/generated_problems/problem.pddl",
		},

		Verifier: VerifierConfig{
			Binary:  "validate",
			Verbose: true,
			Timeout: "60s",
		},

		Planner: PlannerConfig{
			Binary:  "fast-downward.py",
			Args:    []string{"--alias", "lama-first"},
			Timeout: "300s",
		},

		LLM: LLMConfig{
			Provider:    "local",
			Model:       "Qwen/Qwen3-4B-Instruct-2507",
			BaseURL:     "http://localhost:8000/v1",
			Timeout:     "120s",
			Temperature: 0.2,
			MaxTokens:   1024,
		},

		Loop: LoopConfig{
			MaxAttempts:       10,
			TemplateAttempts:  2,
			PlannerAttempts:   5,
			CooledTemperature: 0.05,
		},

		Store: StoreConfig{
			Enabled:      true,
			DatabasePath: "results/planverd.db",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if model := os.Getenv("MODEL_NAME"); model != "" {
		// Historic "local:" prefix selects the local provider.
		if rest, ok := strings.CutPrefix(model, "local:"); ok {
			c.LLM.Provider = "local"
			c.LLM.Model = rest
		} else {
			c.LLM.Model = model
		}
	}
	if key := os.Getenv("PLANVERD_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if url := os.Getenv("PLANVERD_LLM_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if bin := os.Getenv("PLANVERD_VALIDATE"); bin != "" {
		c.Verifier.Binary = bin
	}
	if bin := os.Getenv("PLANVERD_PLANNER"); bin != "" {
		c.Planner.Binary = bin
	}
	if path := os.Getenv("PLANVERD_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// VerifierTimeout returns the verifier timeout as a duration.
func (c *Config) VerifierTimeout() time.Duration {
	d, err := time.ParseDuration(c.Verifier.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// PlannerTimeout returns the planner timeout as a duration.
func (c *Config) PlannerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Planner.Timeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// LLMTimeout returns the generation service timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}
