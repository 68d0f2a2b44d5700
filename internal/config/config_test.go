package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 1800*time.Second, cfg.Pipeline.StaleAfter())
	assert.Equal(t, "local", cfg.Analysis.Backend)
	assert.Equal(t, "skip", cfg.Memory.CreatePolicy)
	assert.Equal(t, "127.0.0.1:37778", cfg.ListenAddr())
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Pipeline, cfg.Pipeline)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[pipeline]
max_attempts = 5
attempt_timeout = "30s"

[analysis]
backend = "remote"

[analysis.remote]
provider = "anthropic"
api_key = "from-file"

[memory]
generator = "fallback"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.AttemptTimeout)
	assert.Equal(t, "remote", cfg.Analysis.Backend)
	assert.Equal(t, "anthropic", cfg.Analysis.Remote.Provider)
	assert.Equal(t, "from-file", cfg.Analysis.Remote.APIKey)
	assert.Equal(t, "fallback", cfg.Memory.Generator)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1800, cfg.Pipeline.StaleSeconds)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DIARIST_PIPELINE_WORKERS", "4")
	t.Setenv("DIARIST_SYNC_ORDER", "newest")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, "newest", cfg.Sync.Order)
}

func TestLoadProviderKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Analysis.Remote.APIKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"analysis":{"backend":"cloud"}}`), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "analysis.backend")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"bad generator", func(c *Config) { c.Memory.Generator = "magic" }},
		{"bad policy", func(c *Config) { c.Memory.CreatePolicy = "overwrite" }},
		{"weight above one", func(c *Config) { c.Memory.ConfidenceWeight = 1.5 }},
		{"bad analyzer", func(c *Config) { c.Sync.Analyzer = "human" }},
		{"bad order", func(c *Config) { c.Sync.Order = "random" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
