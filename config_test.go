package main

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)

	loss := cfg.NewLoss()
	assert.Equal(t, DefaultLossWeight, loss.LossWeight())
	assert.Equal(t, DefaultThreshold, loss.Threshold())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsetloss.yaml")
	content := `
loss:
  loss_weight: 0.5
  threshold: 4
compute:
  parallel: false
  workers: 2
logging:
  level: debug
  format: JSON
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Loss.LossWeight)
	assert.Equal(t, 4.0, cfg.Loss.Threshold)
	assert.False(t, cfg.Compute.Parallel)
	assert.Equal(t, 2, cfg.Compute.Workers)
	assert.Equal(t, DefaultComputeConfig().MinSizeForParallel, cfg.Compute.MinSizeForParallel)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output)

	assert.Equal(t, ComputeConfig{Parallel: false, NumWorkers: 2, MinSizeForParallel: 64 * 64 * 4},
		cfg.Compute.ComputeConfig())
}

func TestLoadConfigEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsetloss.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loss:\n  threshold: 4\n"), 0644))

	t.Setenv("OFFSETLOSS_LOSS_THRESHOLD", "3.5")
	t.Setenv("OFFSETLOSS_LOSS_LOSS_WEIGHT", "-1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3.5, cfg.Loss.Threshold)
	assert.Equal(t, -1.0, cfg.Loss.LossWeight)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown level", func(c *Config) { c.Logging.Level = "TRACE" }},
		{"unknown format", func(c *Config) { c.Logging.Format = "xml" }},
		{"missing output", func(c *Config) { c.Logging.Output = "" }},
		{"negative workers", func(c *Config) { c.Compute.Workers = -1 }},
		{"negative min size", func(c *Config) { c.Compute.MinSizeForParallel = -5 }},
		{"NaN threshold", func(c *Config) { c.Loss.Threshold = math.NaN() }},
		{"NaN weight", func(c *Config) { c.Loss.LossWeight = math.NaN() }},
		{"infinite weight", func(c *Config) { c.Loss.LossWeight = math.Inf(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	t.Run("negative weight and threshold are fine", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Loss.LossWeight = -3
		cfg.Loss.Threshold = -1
		require.NoError(t, cfg.Validate())
	})

	t.Run("infinite threshold is fine", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Loss.Threshold = math.Inf(1)
		require.NoError(t, cfg.Validate())
	})
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsetloss.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0644))

	_, err := LoadConfig(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
