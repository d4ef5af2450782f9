package batchflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bmizerany/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nil, cfg.Validate())

	assert.Equal(t, 50, cfg.Batch.InitialSize)
	assert.Equal(t, 10, cfg.Batch.MinSize)
	assert.Equal(t, 500, cfg.Batch.MaxSize)
	assert.Equal(t, 5*time.Second, cfg.Batch.AdjustInterval)
	assert.Equal(t, true, cfg.Batch.UseHistoricalBest)
	assert.Equal(t, 1000, cfg.Queue.Capacity)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 30*time.Second, cfg.Workers.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Workers.ZombieWindow)
	assert.Equal(t, 64<<10, cfg.Transfer.InlineMax)
	assert.Equal(t, 1<<20, cfg.Transfer.SharedBufferMax)
	assert.Equal(t, 10*time.Minute, cfg.Transfer.SpoolMaxAge)
	assert.Equal(t, int64(512<<20), cfg.Pressure.MemoryCeiling)
	assert.Equal(t, 0.8, cfg.Pressure.CPUThreshold)
	assert.Equal(t, 3, cfg.Processing.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Processing.RetryBaseDelay)
}

func TestConfigValidate(t *testing.T) {
	breakages := []func(*Config){
		func(c *Config) { c.Batch.MinSize = 0 },
		func(c *Config) { c.Batch.MaxSize = c.Batch.MinSize - 1 },
		func(c *Config) { c.Batch.InitialSize = c.Batch.MaxSize + 1 },
		func(c *Config) { c.Batch.StepSize = 0 },
		func(c *Config) { c.Queue.Capacity = 0 },
		func(c *Config) { c.Workers.Count = -1 },
		func(c *Config) { c.Workers.ZombieWindow = c.Workers.HeartbeatInterval - time.Second },
		func(c *Config) { c.Transfer.InlineMax = 0 },
		func(c *Config) { c.Transfer.SharedBufferMax = c.Transfer.InlineMax },
		func(c *Config) { c.Pressure.LatencyThreshold = 0 },
		func(c *Config) { c.Pressure.CPUThreshold = 1.5 },
		func(c *Config) { c.Processing.MaxRetries = 0 },
	}
	for i, mutate := range breakages {
		cfg := DefaultConfig()
		mutate(cfg)
		if cfg.Validate() == nil {
			t.Fatalf("breakage %d: expected a validation error", i)
		}
	}
}

func TestLoadConfig_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batchflow.yaml")
	raw := "batch:\n" +
		"  initial_size: 80\n" +
		"  max_size: 800\n" +
		"workers:\n" +
		"  count: 6\n" +
		"  zombie_window: 2m\n" +
		"transfer:\n" +
		"  spool_dir: \"" + dir + "\"\n"
	assert.Equal(t, nil, os.WriteFile(path, []byte(raw), 0644))

	t.Setenv("BATCHFLOW_WORKERS_COUNT", "9")
	t.Setenv("BATCHFLOW_PROCESSING_TIMEOUT", "45s")

	cfg, err := LoadConfig(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, 80, cfg.Batch.InitialSize)
	assert.Equal(t, 800, cfg.Batch.MaxSize)
	assert.Equal(t, 10, cfg.Batch.MinSize)
	assert.Equal(t, 9, cfg.Workers.Count)
	assert.Equal(t, 2*time.Minute, cfg.Workers.ZombieWindow)
	assert.Equal(t, 45*time.Second, cfg.Processing.Timeout)
	assert.Equal(t, dir, cfg.Transfer.SpoolDir)
}

func TestLoadConfig_EmptyPathUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("BATCHFLOW_BATCH_STEP_SIZE", "25")
	cfg, err := LoadConfig("")
	assert.Equal(t, nil, err)
	assert.Equal(t, 25, cfg.Batch.StepSize)
	assert.Equal(t, 50, cfg.Batch.InitialSize)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NotEqual(t, nil, err)
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	t.Setenv("BATCHFLOW_WORKERS_COUNT", "0")
	_, err := LoadConfig("")
	assert.NotEqual(t, nil, err)
}
