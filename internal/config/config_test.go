package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8084, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 3, cfg.Fetcher.MaxRetries)
	assert.Equal(t, 3, cfg.Category.EscalationThreshold)
	assert.Equal(t, "playwright", cfg.Browser.Engine)
	assert.Equal(t, "file", cfg.Sink.Type)
	assert.False(t, cfg.AI.Enabled())
	assert.NotEmpty(t, cfg.Fetcher.UserAgents)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_WORKERS", "8")
	t.Setenv("FETCH_TIMEOUT", "5s")
	t.Setenv("CATEGORY_DENY_GLOBS", "*/outlet/*, */blog/*")
	t.Setenv("AI_ENDPOINT", "http://localhost:11434/v1/chat/completions")
	t.Setenv("RATE_LIMIT_PER_HOST_RPS", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 5*time.Second, cfg.Fetcher.Timeout)
	assert.Equal(t, []string{"*/outlet/*", "*/blog/*"}, cfg.Category.ExtraDenyGlobs)
	assert.True(t, cfg.AI.Enabled())
	assert.Equal(t, 0.5, cfg.RateLimit.PerHostRPS)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }, "PIPELINE_WORKERS"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"jitter inverted", func(c *Config) { c.RateLimit.JitterMin = time.Minute }, "RATE_LIMIT_JITTER_MIN"},
		{"unknown engine", func(c *Config) { c.Browser.Engine = "webkit" }, "BROWSER_ENGINE"},
		{"unknown sink", func(c *Config) { c.Sink.Type = "s3" }, "SINK_TYPE"},
		{"postgres without host", func(c *Config) {
			c.Sink.Type = "postgres"
			c.Database.Host = ""
		}, "database host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
