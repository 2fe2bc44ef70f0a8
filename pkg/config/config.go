// Package config defines the runtime configuration for the research system.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// YAML file, then environment variables (a .env file is honored via
// godotenv). CLI flags override all of them at the call site.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration passed to the orchestrator at construction.
type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Tools        ToolsConfig        `yaml:"tools"`
	Context      ContextConfig      `yaml:"context"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Session      SessionConfig      `yaml:"session"`

	VaultPath       string `yaml:"vault_path"`
	HistoryFile     string `yaml:"history_file"`
	ClassifierModel string `yaml:"classifier_model"`
	Verbose         bool   `yaml:"verbose"`
}

// LLMConfig configures the OpenAI-compatible chat endpoint.
type LLMConfig struct {
	Host        string   `yaml:"host"`
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`

	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	SearchAPIKey string   `yaml:"search_api_key"`
	SearchHost   string   `yaml:"search_host"`
	TopK         int      `yaml:"top_k"`
	FetchMaxSize int64    `yaml:"fetch_max_size"`
	FileRoot     string   `yaml:"file_root"`
	Blacklist    []string `yaml:"blacklist"`

	Timeout     time.Duration `yaml:"timeout"`
	RatePerHost float64       `yaml:"rate_per_host"`
	Burst       int           `yaml:"burst"`
}

// ContextConfig configures the context manager's folding behavior.
type ContextConfig struct {
	TokenBudget       int     `yaml:"token_budget"`
	FoldTrigger       float64 `yaml:"fold_trigger"`
	WorkingMemorySize int     `yaml:"working_memory_size"`
	SummaryLevels     int     `yaml:"summary_levels"`
}

// Research modes. Fast answers from a single worker without validation;
// deep runs the full multi-perspective pipeline.
const (
	ModeFast = "fast"
	ModeDeep = "deep"
)

// OrchestratorConfig bounds the scheduling loop.
type OrchestratorConfig struct {
	Mode             string        `yaml:"mode"` // ModeFast or ModeDeep
	MaxConcurrency   int           `yaml:"max_concurrency"`
	MaxRetries       int           `yaml:"max_retries"`
	MaxGapFills      int           `yaml:"max_gap_fills"`
	SchedulerBackoff time.Duration `yaml:"scheduler_backoff"`
	WorkerTimeout    time.Duration `yaml:"worker_timeout"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`
}

// SessionConfig configures event-log persistence.
type SessionConfig struct {
	StateDir string `yaml:"state_dir"`
}

// SetDefaults fills zero values with production defaults.
func (c *Config) SetDefaults() {
	if c.LLM.Host == "" {
		c.LLM.Host = "https://openrouter.ai/api/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "openai/gpt-4o-mini"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 120 * time.Second
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 5
	}
	if c.LLM.BaseDelay == 0 {
		c.LLM.BaseDelay = 500 * time.Millisecond
	}
	if c.LLM.MaxDelay == 0 {
		c.LLM.MaxDelay = 30 * time.Second
	}

	if c.Tools.SearchHost == "" {
		// Bare host only; the search provider appends the API path.
		c.Tools.SearchHost = "https://api.search.brave.com"
	}
	if c.Tools.TopK == 0 {
		c.Tools.TopK = 5
	}
	if c.Tools.FetchMaxSize == 0 {
		c.Tools.FetchMaxSize = 1_000_000
	}
	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = 20 * time.Second
	}
	if c.Tools.RatePerHost == 0 {
		c.Tools.RatePerHost = 5
	}
	if c.Tools.Burst == 0 {
		c.Tools.Burst = 10
	}

	if c.Context.TokenBudget == 0 {
		c.Context.TokenBudget = 40_000
	}
	if c.Context.FoldTrigger == 0 {
		c.Context.FoldTrigger = 0.75
	}
	if c.Context.WorkingMemorySize == 0 {
		c.Context.WorkingMemorySize = 5
	}
	if c.Context.SummaryLevels == 0 {
		c.Context.SummaryLevels = 3
	}

	if c.Orchestrator.Mode == "" {
		c.Orchestrator.Mode = ModeDeep
	}
	if c.Orchestrator.MaxConcurrency == 0 {
		c.Orchestrator.MaxConcurrency = 5
	}
	if c.Orchestrator.MaxRetries == 0 {
		c.Orchestrator.MaxRetries = 2
	}
	if c.Orchestrator.MaxGapFills == 0 {
		c.Orchestrator.MaxGapFills = 3
	}
	if c.Orchestrator.SchedulerBackoff == 0 {
		c.Orchestrator.SchedulerBackoff = 100 * time.Millisecond
	}
	if c.Orchestrator.WorkerTimeout == 0 {
		c.Orchestrator.WorkerTimeout = 30 * time.Minute
	}
	if c.Orchestrator.SessionTimeout == 0 {
		c.Orchestrator.SessionTimeout = 2 * time.Hour
	}

	if c.Session.StateDir == "" {
		c.Session.StateDir = ".research/sessions"
	}
}

// Validate reports configuration errors that make the runtime unusable.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm: api key is required (set LLM_API_KEY)")
	}
	if c.Tools.SearchAPIKey == "" {
		return fmt.Errorf("tools: search api key is required (set SEARCH_API_KEY)")
	}
	if c.Orchestrator.Mode != ModeFast && c.Orchestrator.Mode != ModeDeep {
		return fmt.Errorf("orchestrator: unknown mode %q (want fast or deep)", c.Orchestrator.Mode)
	}
	if c.Context.FoldTrigger <= 0 || c.Context.FoldTrigger > 1 {
		return fmt.Errorf("context: fold_trigger must be in (0,1], got %v", c.Context.FoldTrigger)
	}
	if c.Orchestrator.MaxConcurrency < 1 {
		return fmt.Errorf("orchestrator: max_concurrency must be >= 1")
	}
	return nil
}

// LoadFile parses a YAML config file with env-var expansion applied to
// every scalar value.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}
