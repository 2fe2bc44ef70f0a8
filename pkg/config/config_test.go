package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.LLM.APIKey = "k"
	cfg.Tools.SearchAPIKey = "s"
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "openai/gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, ModeDeep, cfg.Orchestrator.Mode)
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrency)
	assert.Equal(t, 3, cfg.Orchestrator.MaxGapFills)
	assert.Equal(t, 100*time.Millisecond, cfg.Orchestrator.SchedulerBackoff)
	assert.Equal(t, 40_000, cfg.Context.TokenBudget)
	assert.InDelta(t, 0.75, cfg.Context.FoldTrigger, 1e-9)
	assert.Equal(t, "https://api.search.brave.com", cfg.Tools.SearchHost)
	assert.Equal(t, 20*time.Second, cfg.Tools.Timeout)
	assert.InDelta(t, 5, cfg.Tools.RatePerHost, 1e-9)
	assert.Equal(t, 10, cfg.Tools.Burst)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing llm key", func(c *Config) { c.LLM.APIKey = "" }, "api key"},
		{"missing search key", func(c *Config) { c.Tools.SearchAPIKey = "" }, "search api key"},
		{"bad mode", func(c *Config) { c.Orchestrator.Mode = "turbo" }, "unknown mode"},
		{"bad trigger", func(c *Config) { c.Context.FoldTrigger = 1.5 }, "fold_trigger"},
		{"bad concurrency", func(c *Config) { c.Orchestrator.MaxConcurrency = 0 }, "max_concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFileExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "secret-from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  api_key: ${TEST_LLM_KEY}
  model: ${TEST_MISSING_MODEL:-openai/gpt-4o}
orchestrator:
  mode: fast
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "secret-from-env", cfg.LLM.APIKey)
	assert.Equal(t, "openai/gpt-4o", cfg.LLM.Model, "default applies when the var is unset")
	assert.Equal(t, ModeFast, cfg.Orchestrator.Mode)
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrency, "defaults fill unset fields")
}

func TestLoadFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [not a map"), 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO_VAR", "abc")

	assert.Equal(t, "abc", expandEnvVars("${FOO_VAR}"))
	assert.Equal(t, "abc", expandEnvVars("$FOO_VAR"))
	assert.Equal(t, "fallback", expandEnvVars("${UNSET_VAR_XYZ:-fallback}"))
	assert.Equal(t, "plain", expandEnvVars("plain"))
}
