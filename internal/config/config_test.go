package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/termconsensus/internal/scoring"
	"github.com/ssd-technologies/termconsensus/internal/weights"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(3), cfg.Admission.RateLimitWindow)
	assert.Equal(t, 1<<20, cfg.Admission.MaxPayloadBytes)
	assert.Equal(t, 5*time.Minute, cfg.Review.Timeout)
	assert.Equal(t, uint16(65535), cfg.Weights.Scale)
	assert.Equal(t, 0.5, cfg.Weights.Cap)
	assert.Equal(t, uint64(10), cfg.Decay.GracePeriod)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
log:
  level: debug
review:
  min_code_score: 0.4
  sweep_interval: 5s
weights:
  strategy: softmax
  temperature: 0.5
tasks:
  - id: hello-world
    difficulty: easy
  - id: kernel-build
    difficulty: hard
    timeout_ms: 600000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "./data", cfg.Server.DataDir, "unset fields keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Review.SweepInterval)
	assert.Equal(t, weights.Softmax, cfg.Weights.Strategy)
	assert.Equal(t, 0.5, cfg.Weights.Cap)

	cat := cfg.Catalog()
	assert.Equal(t, scoring.Hard, cat.Lookup("kernel-build").Difficulty)
	assert.Equal(t, uint64(600000), cat.Lookup("kernel-build").TimeoutMs)
	assert.Equal(t, uint64(scoring.DefaultTimeoutMs), cat.Lookup("hello-world").TimeoutMs)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestValidateRejectsChangedConstants(t *testing.T) {
	cfg := Default()
	cfg.Weights.Cap = 0.4
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights")

	cfg.Network.AllowCustomConstants = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateFieldConstraints(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing data dir", func(c *Config) { c.Server.DataDir = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"min code score above one", func(c *Config) { c.Review.MinCodeScore = 1.5 }},
		{"no replacement rounds", func(c *Config) { c.Review.MaxReplacementRounds = 0 }},
		{"unknown strategy", func(c *Config) { c.Weights.Strategy = "lottery" }},
		{"duplicate task", func(c *Config) {
			c.Tasks = []scoring.Task{{ID: "a", Difficulty: scoring.Easy}, {ID: "a", Difficulty: scoring.Hard}}
		}},
		{"unknown difficulty", func(c *Config) { c.Tasks = []scoring.Task{{ID: "a", Difficulty: "brutal"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Network.AllowCustomConstants = true
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                   "7070",
		"TERMCONSENSUS_DATA_DIR": "/var/lib/tc",
		"TERMCONSENSUS_SECRET":   "s3cret",
		"TERMCONSENSUS_KEY":      "/etc/tc/key",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/var/lib/tc", cfg.Server.DataDir)
	assert.Equal(t, "s3cret", cfg.Server.AdminSecret)
	assert.Equal(t, "/etc/tc/key", cfg.Server.KeyPath)

	assert.Error(t, cfg.ApplyEnv(func(k string) string {
		if k == "PORT" {
			return "eighty"
		}
		return ""
	}))
}
