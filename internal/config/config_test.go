package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Pipeline.WorkerPoolWidth)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.FetchTimeout)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.CycleDeadline)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.CancelGrace)
	assert.Equal(t, ModeFixed, cfg.Scheduler.Mode)
	assert.Equal(t, 5, cfg.BreakerDefaults.ConsecutiveFailures)
	assert.Equal(t, 30*time.Minute, cfg.BreakerDefaults.CooldownMax)

	require.Len(t, cfg.Sources, 4)
	enabled := cfg.EnabledSources()
	require.Len(t, enabled, 2)
	assert.Equal(t, "defillama", enabled[0].Name)
	assert.InDelta(t, 0.05, cfg.RevisionRates()["defillama"], 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.Sources[2].Lookback)
}

func TestLoadSourcesAndBreakerOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
breaker_defaults:
  consecutive_failures: 4
sources:
  - name: feed-a
    kind: feed
    url: https://example.com/feed.xml
    tier: 1
    breaker:
      consecutive_failures: 2
      cooldown_base: 10s
  - name: replay
    kind: static
    path: ./fixtures.json
    enabled: false
`))
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 2)

	b := cfg.Sources[0].BreakerConfig(cfg.BreakerDefaults)
	assert.Equal(t, 2, b.ConsecutiveFailures)
	assert.Equal(t, 10*time.Second, b.CooldownBase)
	assert.Equal(t, 8, b.WindowFailures)

	assert.Equal(t, 4, cfg.Sources[1].BreakerConfig(cfg.BreakerDefaults).ConsecutiveFailures)
	assert.False(t, cfg.Sources[1].IsEnabled())
	assert.Empty(t, cfg.RevisionRates())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXPLOITWATCH_PIPELINE_WORKER_POOL_WIDTH", "3")
	t.Setenv("EXPLOITWATCH_SCHEDULER_MODE", ModeAfterCompletion)

	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pipeline.WorkerPoolWidth)
	assert.Equal(t, ModeAfterCompletion, cfg.Scheduler.Mode)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"fetch timeout not below deadline": "pipeline:\n  fetch_timeout: 90s\n",
		"zero workers":                     "pipeline:\n  worker_pool_width: 0\n",
		"negative cancel grace":            "pipeline:\n  cancel_grace: -1s\n",
		"unknown kind":                     "sources:\n  - name: x\n    kind: carrier-pigeon\n",
		"duplicate names":                  "sources:\n  - {name: x, kind: feed, url: u}\n  - {name: x, kind: feed, url: u}\n",
		"missing url":                      "sources:\n  - {name: x, kind: jsonapi}\n",
		"backoff cap below base":           "breaker_defaults:\n  cooldown_base: 10m\n  cooldown_max: 1m\n",
		"bad scheduler mode":               "scheduler:\n  mode: sometimes\n",
		"telegram without token":           "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
