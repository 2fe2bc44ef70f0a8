package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMaxWorkersOverride(t *testing.T) {
	t.Setenv("LLM_API_KEY", "k")
	t.Setenv("SEARCH_API_KEY", "s")

	cfg, err := loadConfig(&CLI{MaxWorkers: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrency)

	// Unset flag keeps the configured default.
	cfg, err = loadConfig(&CLI{})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrency)
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	t.Setenv("LLM_API_KEY", "k")
	t.Setenv("SEARCH_API_KEY", "s")

	cfg, err := loadConfig(&CLI{Mode: "fast", Model: "openai/gpt-4o", Vault: "/tmp/vault"})
	require.NoError(t, err)
	assert.Equal(t, "fast", cfg.Orchestrator.Mode)
	assert.Equal(t, "openai/gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "/tmp/vault", cfg.VaultPath)
}
