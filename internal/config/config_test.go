package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pool.Capacity)
	assert.Equal(t, 1, cfg.Pool.MinWarm)
	assert.Equal(t, 30*time.Minute, cfg.Pool.MaxAge)
	assert.Equal(t, 10*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 100, cfg.Dispatcher.QueueMax)
	assert.Equal(t, 2*time.Minute, cfg.Dispatcher.TaskDeadline)
	assert.Equal(t, "playwright", cfg.Browser.Engine)
	assert.True(t, cfg.Browser.Headless)
	assert.InDelta(t, 0.6, cfg.Browser.StepRatios["navigate"], 1e-9)
	assert.Equal(t, 1280, cfg.Browser.Viewport["width"])
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, "browserpool", cfg.Logger.ServiceName)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError string
	}{
		{"zero capacity", func(c *Config) { c.Pool.Capacity = 0 }, "pool.capacity"},
		{"min warm above capacity", func(c *Config) { c.Pool.MinWarm = 9 }, "pool.min_warm"},
		{"no queue", func(c *Config) { c.Dispatcher.QueueMax = 0 }, "dispatcher.queue_max"},
		{"negative retry budget", func(c *Config) { c.Dispatcher.RetryBudget = -1 }, "retry_budget"},
		{"unknown engine", func(c *Config) { c.Browser.Engine = "selenium" }, "browser.engine"},
		{"bad ratio", func(c *Config) { c.Browser.StepRatios["wait"] = 1.5 }, "step_ratios.wait"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"no sweep interval", func(c *Config) { c.Monitor.Interval = 0 }, "monitor.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "browserpool.yaml")
	content := []byte(`
pool:
  capacity: 8
  min_warm: 2
browser:
  engine: chromedp
  headless: false
dispatcher:
  task_deadline: 45s
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	t.Setenv("PORT", "9090")
	t.Setenv("BROWSERPOOL_DISPATCHER_QUEUE_MAX", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pool.Capacity)
	assert.Equal(t, 2, cfg.Pool.MinWarm)
	assert.Equal(t, "chromedp", cfg.Browser.Engine)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 45*time.Second, cfg.Dispatcher.TaskDeadline)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Dispatcher.QueueMax)
}

func TestNewConfigFromViperRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("pool.capacity", -1)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
