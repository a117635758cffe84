package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "intelligent_hybrid", cfg.Orchestrator.Strategy)
	assert.Equal(t, 1*time.Second, cfg.Job.PollMinInterval)
	assert.Equal(t, 5*time.Second, cfg.Job.PollMaxInterval)
	assert.Equal(t, 40, cfg.Decomposition.ChunkSize)
	assert.InDelta(t, 4.0, cfg.Decomposition.AtomicHourCeiling, 0.001)
	assert.Equal(t, 30*time.Minute, cfg.Timeouts.TaskExecution)
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	data := `
transport:
  http:
    enabled: true
    port: 8080
orchestrator:
  strategy: least_loaded
job:
  pollMinInterval: 2s
  pollMaxInterval: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Transport.HTTP.Port)
	assert.Equal(t, "least_loaded", cfg.Orchestrator.Strategy)
	assert.Equal(t, 2*time.Second, cfg.Job.PollMinInterval)
	// Untouched options keep defaults.
	assert.Equal(t, 40, cfg.Decomposition.ChunkSize)
	assert.Equal(t, "strict", cfg.Security.Mode)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Orchestrator.Strategy, cfg.Orchestrator.Strategy)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad strategy", func(c *Config) { c.Orchestrator.Strategy = "random" }},
		{"bad security mode", func(c *Config) { c.Security.Mode = "open" }},
		{"threshold above one", func(c *Config) { c.Orchestrator.WorkloadBalanceThreshold = 1.5 }},
		{"threshold zero", func(c *Config) { c.Orchestrator.WorkloadBalanceThreshold = 0 }},
		{"inverted poll intervals", func(c *Config) { c.Job.PollMinInterval = 10 * time.Second }},
		{"port collision", func(c *Config) { c.Transport.WebSocket.Port = c.Transport.HTTP.Port }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "redis" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
